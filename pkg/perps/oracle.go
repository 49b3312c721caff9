package perps

import "fmt"

// Oracle is the price feed contract a symbol is bound to. Implementations
// must reject reads older than maxStalenessMs.
type Oracle interface {
	// ID identifies the feed. It must match the oracle id configured on
	// the symbol or every operation against that symbol fails.
	ID() string
	// Price returns the current price and its decimal scale.
	Price(nowMs int64, maxStalenessMs int64) (price uint64, decimals uint64, err error)
}

// StaticOracle is a manually driven oracle used by the daemon's admin
// feed and by tests.
type StaticOracle struct {
	FeedID    string
	Px        uint64
	Decimals  uint64
	UpdatedMs int64
}

// NewStaticOracle creates an oracle with an initial price.
func NewStaticOracle(id string, price, decimals uint64) *StaticOracle {
	return &StaticOracle{FeedID: id, Px: price, Decimals: decimals}
}

func (o *StaticOracle) ID() string { return o.FeedID }

// SetPrice updates the feed.
func (o *StaticOracle) SetPrice(price uint64, nowMs int64) {
	o.Px = price
	o.UpdatedMs = nowMs
}

func (o *StaticOracle) Price(nowMs, maxStalenessMs int64) (uint64, uint64, error) {
	if maxStalenessMs > 0 && o.UpdatedMs > 0 && nowMs-o.UpdatedMs > maxStalenessMs {
		return 0, 0, fmt.Errorf("%w: feed %s age %dms", ErrOracleStale, o.FeedID, nowMs-o.UpdatedMs)
	}
	return o.Px, o.Decimals, nil
}
