package perps

import "fmt"

type fillOutcome struct {
	fee        uint64
	positionID uint64
	pnl        Signed
	refund     uint64
}

// splitFee books the protocol's share of a trading fee on the market and
// returns the pool's share.
func (r *Registry) splitFee(market *Market, fee uint64) uint64 {
	protocol := mulDiv(fee, market.ProtocolFeeShareBp, BpScale)
	market.ProtocolFees = satAdd(market.ProtocolFees, protocol)
	return satSub(fee, protocol)
}

// executeFill applies an order against the current oracle price: it
// either opens a new position or merges into the linked one. All checks
// run before any state is mutated; a returned error leaves the market
// untouched.
func (r *Registry) executeFill(market *Market, sm *SymbolMarket, order *TradingOrder, linked *Position, price, priceDec uint64, nowMs int64) (*fillOutcome, error) {
	cfg := &sm.Config
	rate := FeeRateMbp(
		sm.Info.LongPositionSize, sm.Info.ShortPositionSize, r.pool.TvlUsd(),
		sm.Info.SizeDecimals, price, priceDec,
		order.Side, order.Size, cfg.TradingFee,
	)
	notional := quoteAmount(order.Size, sm.Info.SizeDecimals, price, priceDec, sm.CollateralDecimals)
	fee := mulDiv(notional, rate, MbpScale)

	if linked == nil {
		return r.fillOpen(market, sm, order, price, priceDec, notional, fee, nowMs)
	}
	return r.fillReduce(market, sm, order, linked, price, priceDec, fee, nowMs)
}

func (sm *SymbolMarket) openInterestHeadroom(side Side, add uint64) error {
	cap, have := sm.Config.LongOpenInterestCap, sm.Info.LongPositionSize
	if side == Short {
		cap, have = sm.Config.ShortOpenInterestCap, sm.Info.ShortPositionSize
	}
	if cap != 0 && satAdd(have, add) > cap {
		return fmt.Errorf("%w: %s side", ErrOpenInterestCap, side)
	}
	return nil
}

// reserveHeadroom verifies the pool still has unreserved liquidity for
// the given notional, without earmarking any of it.
func (r *Registry) reserveHeadroom(sm *SymbolMarket, notional uint64) error {
	state, ok := r.pool.TokenState(sm.CollateralToken)
	if !ok {
		return fmt.Errorf("%w: pool token %s", ErrCollateralMismatch, sm.CollateralToken)
	}
	if satSub(state.Liquidity, state.Reserved) < notional {
		return fmt.Errorf("%w: token %s", ErrInsufficientReserve, sm.CollateralToken)
	}
	return nil
}

// fillOpen creates a new position from an unlinked order.
func (r *Registry) fillOpen(market *Market, sm *SymbolMarket, order *TradingOrder, price, priceDec, notional, fee uint64, nowMs int64) (*fillOutcome, error) {
	collateralValue := order.Collateral
	if order.Mode == ReceiptCollateral {
		if r.vault == nil {
			return nil, fmt.Errorf("%w: no option vault bound", ErrBidTokenMismatch)
		}
		collateralValue = 0
		for _, receipt := range order.Receipts {
			v, err := r.vault.ReceiptValue(receipt, nowMs)
			if err != nil {
				return nil, err
			}
			collateralValue = satAdd(collateralValue, v)
		}
	}
	if !CheckAddFeasible(collateralValue, 0, fee) {
		return nil, fmt.Errorf("%w: value %d fee %d", ErrInsufficientCollateral, collateralValue, fee)
	}
	if err := sm.openInterestHeadroom(order.Side, order.Size); err != nil {
		return nil, err
	}
	if err := r.pool.UpdateReserve(sm.CollateralToken, true, notional); err != nil {
		return nil, err
	}

	p := &Position{
		ID:              sm.Info.NextPositionID,
		User:            order.User,
		Side:            order.Side,
		Mode:            order.Mode,
		Size:            order.Size,
		SizeDecimals:    sm.Info.SizeDecimals,
		EntryPrice:      price,
		Collateral:      order.Collateral,
		Receipts:        order.Receipts,
		ReserveAmount:   notional,
		BorrowIndexMbp:  r.pool.BorrowIndexMbp(sm.CollateralToken),
		FundingIndexMbp: sm.Info.Funding.IndexMbp,
		OpenedAtMs:      nowMs,
	}
	if order.Mode == TokenCollateral {
		p.Collateral = satSub(p.Collateral, fee)
	} else {
		p.PendingCostQuote = fee
	}
	if err := r.pool.OrderFilled(sm.CollateralToken, Signed{}, r.splitFee(market, fee)); err != nil {
		return nil, err
	}
	sm.Info.NextPositionID++
	sm.positions.Insert(p)
	sm.addPositionSize(p.Side, p.Size)
	order.FilledPrice = price

	r.sink.Emit(Event{
		Type: EventOrderMatched, Market: market.ID, Symbol: sm.Symbol,
		User: order.User, OrderID: order.ID, PositionID: p.ID,
		Side: order.Side.String(), Size: order.Size, Price: price, Fee: fee,
		TimestampMs: nowMs,
	})
	r.sink.Emit(Event{
		Type: EventPositionOpened, Market: market.ID, Symbol: sm.Symbol,
		User: p.User, PositionID: p.ID, Side: p.Side.String(),
		Size: p.Size, Price: price, After: p.Collateral,
		TimestampMs: nowMs,
	})
	return &fillOutcome{fee: fee, positionID: p.ID}, nil
}

// fillReduce merges an opposing order into its linked position, possibly
// flipping the side when the order overshoots.
func (r *Registry) fillReduce(market *Market, sm *SymbolMarket, order *TradingOrder, p *Position, price, priceDec, fee uint64, nowMs int64) (*fillOutcome, error) {
	if _, _, err := r.settleAccrual(sm, p, price, priceDec); err != nil {
		return nil, err
	}

	closeSize := order.Size
	if closeSize > p.Size {
		closeSize = p.Size
	}
	overshoot := uint64(0)
	if !order.ReduceOnly && order.Size > p.Size {
		overshoot = order.Size - p.Size
	}

	pnl := priceMovePnl(p.Side, closeSize, p.SizeDecimals, p.EntryPrice, price, priceDec, sm.CollateralDecimals)
	profit := uint64(0)
	if !pnl.Neg {
		profit = pnl.Mag
	}
	linkedValue, err := r.collateralValue(sm, p, nowMs)
	if err != nil {
		return nil, err
	}
	if !CheckReduceFeasible(order.Collateral, linkedValue, profit, fee) {
		return nil, fmt.Errorf("%w: value %d fee %d", ErrInsufficientCollateral, satAdd(order.Collateral, linkedValue), fee)
	}
	if overshoot > 0 {
		if err := sm.openInterestHeadroom(order.Side, overshoot); err != nil {
			return nil, err
		}
	}

	// Settle the realized PnL and fee with the pool first; collateral
	// bookkeeping follows. A loss is only collectable up to the token
	// collateral net of the fee, so the pool's credit is capped there.
	pooled := pnl
	if pnl.Neg && p.Mode == TokenCollateral {
		available := satSub(satAdd(p.Collateral, order.Collateral), fee)
		if pooled.Mag > available {
			pooled = SignedOf(available, true)
		}
	}
	if err := r.pool.OrderFilled(sm.CollateralToken, pooled, r.splitFee(market, fee)); err != nil {
		return nil, err
	}

	directPayout := uint64(0)
	if p.Mode == TokenCollateral {
		p.Collateral = satAdd(p.Collateral, order.Collateral)
		if pnl.Neg {
			p.Collateral = satSub(p.Collateral, pnl.Mag)
		} else {
			p.Collateral = satAdd(p.Collateral, pnl.Mag)
		}
		p.Collateral = satSub(p.Collateral, fee)
	} else {
		p.Receipts = append(p.Receipts, order.Receipts...)
		cost := fee
		if pnl.Neg {
			cost = satAdd(cost, pnl.Mag)
		}
		p.PendingCostQuote = satAdd(p.PendingCostQuote, cost)
		if profit > 0 {
			offset := profit
			if offset > p.PendingCostQuote {
				offset = p.PendingCostQuote
			}
			p.PendingCostQuote -= offset
			directPayout = r.payout(p.User, sm.CollateralToken, profit-offset)
		}
	}

	p.Size -= closeSize
	sm.subPositionSize(p.Side, closeSize)

	newNotional := quoteAmount(p.Size, p.SizeDecimals, p.EntryPrice, priceDec, sm.CollateralDecimals)
	if release := satSub(p.ReserveAmount, newNotional); release > 0 {
		if err := r.pool.UpdateReserve(sm.CollateralToken, false, release); err != nil {
			return nil, err
		}
	}
	p.ReserveAmount = newNotional
	p.unlinkOrder(order.ID)
	order.FilledPrice = price

	r.sink.Emit(Event{
		Type: EventOrderMatched, Market: market.ID, Symbol: sm.Symbol,
		User: order.User, OrderID: order.ID, PositionID: p.ID,
		Side: order.Side.String(), Size: order.Size, Price: price, Fee: fee, Pnl: pnl,
		TimestampMs: nowMs,
	})

	outcome := &fillOutcome{fee: fee, positionID: p.ID, pnl: pnl, refund: directPayout}

	switch {
	case overshoot > 0:
		// The order overshot the position: flip to the order's side at
		// the fill price.
		flipNotional := quoteAmount(overshoot, p.SizeDecimals, price, priceDec, sm.CollateralDecimals)
		if err := r.pool.UpdateReserve(sm.CollateralToken, true, flipNotional); err != nil {
			return nil, err
		}
		p.Side = order.Side
		p.Size = overshoot
		p.EntryPrice = price
		p.ReserveAmount = flipNotional
		sm.addPositionSize(p.Side, overshoot)
		r.sink.Emit(Event{
			Type: EventPositionChanged, Market: market.ID, Symbol: sm.Symbol,
			User: p.User, PositionID: p.ID, Side: p.Side.String(),
			Size: p.Size, Price: price, After: p.Collateral,
			TimestampMs: nowMs,
		})

	case p.Size == 0:
		outcome.refund = satAdd(outcome.refund, r.closePosition(market, sm, p, price, nowMs))

	default:
		r.sink.Emit(Event{
			Type: EventPositionChanged, Market: market.ID, Symbol: sm.Symbol,
			User: p.User, PositionID: p.ID, Side: p.Side.String(),
			Size: p.Size, Price: price, After: p.Collateral,
			TimestampMs: nowMs,
		})
	}
	return outcome, nil
}

// closePosition removes a fully reduced position, returning remaining
// collateral to the owner and canceling its linked orders.
func (r *Registry) closePosition(market *Market, sm *SymbolMarket, p *Position, price uint64, nowMs int64) (directRefund uint64) {
	refund := r.removePosition(market, sm, p, nowMs)

	if p.Mode == TokenCollateral {
		refund = satAdd(refund, p.Collateral)
	} else {
		refund = satAdd(refund, r.settleReceipts(sm, p, nowMs))
	}
	directRefund = r.payout(p.User, sm.CollateralToken, refund)

	r.sink.Emit(Event{
		Type: EventPositionClosed, Market: market.ID, Symbol: sm.Symbol,
		User: p.User, PositionID: p.ID, Side: p.Side.String(),
		Price: price, Before: p.Collateral, After: 0,
		TimestampMs: nowMs,
	})
	return directRefund
}

// settleReceipts resolves a closing receipt-collateral position: expired
// receipts are exercised to cover pending costs, unexpired ones escrow a
// claim when costs remain, otherwise they return to the owner.
func (r *Registry) settleReceipts(sm *SymbolMarket, p *Position, nowMs int64) (refund uint64) {
	if r.vault == nil {
		return 0
	}
	var unexpired []BidReceipt
	proceeds := uint64(0)
	for _, receipt := range p.Receipts {
		if r.vault.Expired(receipt, nowMs) {
			v, err := r.vault.Exercise(receipt, nowMs)
			if err == nil {
				proceeds = satAdd(proceeds, v)
			}
		} else {
			unexpired = append(unexpired, receipt)
		}
	}

	owed := p.PendingCostQuote
	paid := owed
	if paid > proceeds {
		paid = proceeds
	}
	if paid > 0 {
		r.pool.PutCollateral(sm.CollateralToken, paid)
	}
	refund = proceeds - paid
	owed -= paid
	p.PendingCostQuote = owed

	if owed > 0 && len(unexpired) > 0 {
		sm.pendingReceipts = append(sm.pendingReceipts, UnsettledReceipt{
			PositionID: p.ID,
			User:       p.User,
			Receipts:   unexpired,
			OwedQuote:  owed,
			CreatedMs:  nowMs,
		})
		return refund
	}

	// Nothing owed (or nothing left to claim it from): hand the
	// unexpired receipts back.
	if r.custody != nil {
		for _, receipt := range unexpired {
			r.custody.Deposit(p.User, receipt.BidToken, receipt.Shares)
		}
	}
	return refund
}
