package feed

import (
	"context"
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/perps"
)

// Consumer receives every event the pump drains.
type Consumer func(perps.Event)

// Pump drains an engine event channel and fans each event out to its
// consumers in order. A consumer must not block; the websocket hub and
// the NATS publisher both buffer internally.
type Pump struct {
	logger    log.Logger
	source    <-chan perps.Event
	consumers []Consumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPump creates a pump over the given event channel.
func NewPump(logger log.Logger, source <-chan perps.Event, consumers ...Consumer) *Pump {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pump{
		logger:    logger,
		source:    source,
		consumers: consumers,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Run starts draining in the background.
func (p *Pump) Run() {
	p.wg.Add(1)
	go p.loop()
}

// Stop drains nothing further and waits for the loop to exit.
func (p *Pump) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *Pump) loop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.source:
			for _, consume := range p.consumers {
				consume(ev)
			}
		}
	}
}

// HubConsumer forwards events to a websocket hub.
func HubConsumer(h *Hub) Consumer {
	return h.Publish
}

// NATSConsumer forwards events to NATS, logging publish failures.
func NATSConsumer(pub *NATSPublisher, logger log.Logger) Consumer {
	return func(ev perps.Event) {
		if err := pub.Publish(ev); err != nil {
			logger.Warn("NATS publish failed", "type", ev.Type, "error", err)
		}
	}
}
