package perps

import "fmt"

// OrderRequest describes a new conditional order.
type OrderRequest struct {
	User         string         `json:"user"`
	OracleID     string         `json:"oracleId"`
	Side         Side           `json:"side"`
	Kind         OrderKind      `json:"kind"`
	Mode         CollateralMode `json:"mode"`
	Size         uint64         `json:"size"`
	TriggerPrice uint64         `json:"triggerPrice"`
	ReduceOnly   bool           `json:"reduceOnly"`
	Collateral   uint64         `json:"collateral"`
	Receipts     []BidReceipt   `json:"receipts,omitempty"`
	// LinkedPosition ties a reducing order to an existing position.
	LinkedPosition uint64 `json:"linkedPosition,omitempty"`
}

// OrderResult reports the outcome of placing an order. Refund carries
// funds returned directly to the caller when no custody account exists.
type OrderResult struct {
	OrderID     uint64 `json:"orderId"`
	Filled      bool   `json:"filled"`
	FilledPrice uint64 `json:"filledPrice,omitempty"`
	FeePaid     uint64 `json:"feePaid,omitempty"`
	PositionID  uint64 `json:"positionId,omitempty"`
	Pnl         Signed `json:"pnl,omitempty"`
	Refund      uint64 `json:"refund,omitempty"`
}

// canTrigger reports whether an order's condition holds at the oracle
// price. Limit orders fill at or better than the trigger; stop orders
// fill once the price has crossed it.
func canTrigger(kind OrderKind, side Side, trigger, price uint64) bool {
	if kind == LimitOrder {
		if side == Long {
			return price <= trigger
		}
		return price >= trigger
	}
	if side == Long {
		return price >= trigger
	}
	return price <= trigger
}

// PlaceOrder validates a new order and either fills it against the
// current oracle price or rests it in the book.
func (r *Registry) PlaceOrder(marketID, symbol string, req OrderRequest, nowMs int64) (*OrderResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	market, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return nil, err
	}
	// Reduce-only orders may still be placed against an inactive market
	// so holders can wind down exposure.
	if !req.ReduceOnly {
		if !market.Active {
			return nil, fmt.Errorf("%w: %s", ErrMarketInactive, marketID)
		}
		if !sm.Info.Active {
			return nil, fmt.Errorf("%w: %s", ErrSymbolInactive, symbol)
		}
		if !r.pool.Active(sm.CollateralToken) {
			return nil, fmt.Errorf("%w: pool %s", ErrMarketInactive, sm.CollateralToken)
		}
	}
	if req.OracleID != sm.Config.OracleID {
		return nil, fmt.Errorf("%w: got %s want %s", ErrOracleMismatch, req.OracleID, sm.Config.OracleID)
	}
	if err := r.validateSizing(sm, &req); err != nil {
		return nil, err
	}

	var linked *Position
	if req.LinkedPosition != 0 {
		p, ok := sm.positions.Get(req.LinkedPosition)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, req.LinkedPosition)
		}
		if p.User != req.User {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, req.User)
		}
		if p.Mode != req.Mode {
			return nil, fmt.Errorf("%w: position is %s-collateral", ErrCollateralMismatch, p.Mode)
		}
		if p.Side != req.Side.Opposite() {
			return nil, fmt.Errorf("%w: linked order must oppose position", ErrCollateralMismatch)
		}
		linked = p
	} else if req.ReduceOnly {
		return nil, fmt.Errorf("%w: reduce-only order needs a linked position", ErrPositionNotFound)
	}

	if err := r.validateLeverage(sm, &req, nowMs); err != nil {
		return nil, err
	}

	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return nil, err
	}

	order := &TradingOrder{
		ID:             sm.Info.NextOrderID,
		User:           req.User,
		Side:           req.Side,
		Kind:           req.Kind,
		Mode:           req.Mode,
		Size:           req.Size,
		SizeDecimals:   sm.Info.SizeDecimals,
		TriggerPrice:   req.TriggerPrice,
		ReduceOnly:     req.ReduceOnly,
		Collateral:     req.Collateral,
		Receipts:       req.Receipts,
		LinkedPosition: req.LinkedPosition,
		CreatedAtMs:    nowMs,
	}
	sm.Info.NextOrderID++

	if canTrigger(order.Kind, order.Side, order.TriggerPrice, price) {
		outcome, err := r.executeFill(market, sm, order, linked, price, priceDec, nowMs)
		if err != nil {
			return nil, err
		}
		return &OrderResult{
			OrderID:     order.ID,
			Filled:      true,
			FilledPrice: price,
			FeePaid:     outcome.fee,
			PositionID:  outcome.positionID,
			Pnl:         outcome.pnl,
			Refund:      outcome.refund,
		}, nil
	}

	// A resting order is held to the same open-interest and reserve
	// headroom as an immediate fill, at its trigger-price notional.
	if linked == nil {
		if err := sm.openInterestHeadroom(order.Side, order.Size); err != nil {
			return nil, err
		}
		notional := quoteAmount(order.Size, sm.Info.SizeDecimals, order.TriggerPrice, r.oracleDecimals(sm), sm.CollateralDecimals)
		if err := r.reserveHeadroom(sm, notional); err != nil {
			return nil, err
		}
	}

	// Rest in the book.
	sm.book.add(order)
	sm.addOrderSize(order.Side, order.Size)
	if linked != nil {
		linked.linkOrder(order.ID, order.TriggerPrice)
	}
	r.sink.Emit(Event{
		Type: EventOrderCreated, Market: marketID, Symbol: symbol,
		User: order.User, OrderID: order.ID, Side: order.Side.String(),
		Size: order.Size, Price: order.TriggerPrice, After: order.Collateral,
		TimestampMs: nowMs,
	})
	return &OrderResult{OrderID: order.ID}, nil
}

func (r *Registry) validateSizing(sm *SymbolMarket, req *OrderRequest) error {
	cfg := &sm.Config
	if cfg.LotSize != 0 && req.Size%cfg.LotSize != 0 {
		return fmt.Errorf("%w: size %d lot %d", ErrSizeNotLotAligned, req.Size, cfg.LotSize)
	}
	// Reduce-only orders tied to an existing position may go below the
	// minimum so a small remainder can always be closed.
	if req.Size < cfg.MinSize && !(req.ReduceOnly && req.LinkedPosition != 0) {
		return fmt.Errorf("%w: size %d min %d", ErrSizeBelowMinimum, req.Size, cfg.MinSize)
	}
	if req.Size == 0 {
		return fmt.Errorf("%w: zero size", ErrSizeBelowMinimum)
	}
	return nil
}

// validateLeverage bounds the order's implied leverage at its trigger
// price. Reducing orders add no exposure and are exempt.
func (r *Registry) validateLeverage(sm *SymbolMarket, req *OrderRequest, nowMs int64) error {
	if req.ReduceOnly || req.LinkedPosition != 0 {
		return nil
	}
	collateral := req.Collateral
	if req.Mode == ReceiptCollateral {
		if r.vault == nil {
			return fmt.Errorf("%w: no option vault bound", ErrBidTokenMismatch)
		}
		collateral = 0
		for _, receipt := range req.Receipts {
			v, err := r.vault.ReceiptValue(receipt, nowMs)
			if err != nil {
				return err
			}
			collateral = satAdd(collateral, v)
		}
	}
	notional := quoteAmount(req.Size, sm.Info.SizeDecimals, req.TriggerPrice, r.oracleDecimals(sm), sm.CollateralDecimals)
	cap := sm.Config.MaxLeverageMbp
	if req.Mode == ReceiptCollateral {
		cap = sm.Config.MaxReceiptLeverageMbp
	}
	if leverageMbp(notional, collateral) > cap {
		return fmt.Errorf("%w: cap %d mbp", ErrLeverageTooHigh, cap)
	}
	return nil
}

// oracleDecimals returns the bound oracle's price scale without a
// staleness check, for trigger-price arithmetic.
func (r *Registry) oracleDecimals(sm *SymbolMarket) uint64 {
	if oracle, ok := r.oracles[sm.Config.OracleID]; ok {
		_, dec, err := oracle.Price(0, 0)
		if err == nil {
			return dec
		}
	}
	return 0
}

// returnOrderReceipts hands a removed order's pledged bid receipts back
// to the owner's custody account, mirroring how unexpired receipts leave
// a closing position.
func (r *Registry) returnOrderReceipts(order *TradingOrder) {
	if r.custody == nil {
		return
	}
	for _, receipt := range order.Receipts {
		r.custody.Deposit(order.User, receipt.BidToken, receipt.Shares)
	}
}

// CancelOrder removes a resting order and refunds its collateral.
func (r *Registry) CancelOrder(caller, marketID, symbol string, triggerPrice, orderID uint64, nowMs int64) (refund uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	market, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	bucket, order, ok := sm.book.find(triggerPrice, orderID, caller)
	if !ok {
		return 0, fmt.Errorf("%w: id %d at %d", ErrOrderNotFound, orderID, triggerPrice)
	}
	sm.book.remove(bucket, triggerPrice, orderID, caller)
	sm.subOrderSize(order.Side, order.Size)
	if order.LinkedPosition != 0 {
		if p, ok := sm.positions.Get(order.LinkedPosition); ok {
			p.unlinkOrder(order.ID)
		}
	}
	r.returnOrderReceipts(order)
	r.sink.Emit(Event{
		Type: EventOrderCanceled, Market: market.ID, Symbol: symbol,
		User: order.User, OrderID: order.ID, Side: order.Side.String(),
		Size: order.Size, Price: order.TriggerPrice, After: order.Collateral,
		TimestampMs: nowMs,
	})
	return r.payout(caller, sm.CollateralToken, order.Collateral), nil
}

// MatchOrders drains one price level of a bucket against the current
// oracle price, processing orders from the back of the level up to the
// operation budget. Orders that cannot fill are requeued, so repeated
// calls make resumable progress over an arbitrarily large level.
func (r *Registry) MatchOrders(caller, marketID, symbol string, bucket BucketID, triggerPrice uint64, budget int, nowMs int64) (filled int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.requireRole(caller, RoleCranker); err != nil {
		return 0, err
	}
	market, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return 0, err
	}

	level := sm.book.take(bucket, triggerPrice)
	remaining := make([]*TradingOrder, 0, len(level))
	poolActive := r.pool.Active(sm.CollateralToken) && market.Active && sm.Info.Active

	for i := len(level) - 1; i >= 0; i-- {
		order := level[i]
		if budget <= 0 {
			remaining = append(remaining, order)
			continue
		}
		budget--

		// An order whose linked position is gone is released back to
		// its owner.
		var linked *Position
		if order.LinkedPosition != 0 {
			p, ok := sm.positions.Get(order.LinkedPosition)
			if !ok {
				sm.subOrderSize(order.Side, order.Size)
				r.payout(order.User, sm.CollateralToken, order.Collateral)
				r.returnOrderReceipts(order)
				r.sink.Emit(Event{
					Type: EventOrderReleased, Market: market.ID, Symbol: symbol,
					User: order.User, OrderID: order.ID, Side: order.Side.String(),
					Size: order.Size, Price: order.TriggerPrice, After: order.Collateral,
					TimestampMs: nowMs,
				})
				continue
			}
			linked = p
		}

		if !canTrigger(order.Kind, order.Side, order.TriggerPrice, price) ||
			(!order.ReduceOnly && !poolActive) {
			remaining = append(remaining, order)
			continue
		}

		if _, err := r.executeFill(market, sm, order, linked, price, priceDec, nowMs); err != nil {
			remaining = append(remaining, order)
			continue
		}
		sm.subOrderSize(order.Side, order.Size)
		if linked != nil {
			linked.unlinkOrder(order.ID)
		}
		filled++
	}

	// Restore original append order for the survivors.
	for i, j := 0, len(remaining)-1; i < j; i, j = i+1, j-1 {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	}
	sm.book.put(bucket, triggerPrice, remaining)
	return filled, nil
}
