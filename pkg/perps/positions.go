package perps

import (
	"fmt"
	"math/bits"
)

// weightedAvgPrice merges two (size, price) legs into a size-weighted
// entry price with a 128-bit intermediate.
func weightedAvgPrice(size1, price1, size2, price2 uint64) uint64 {
	total := satAdd(size1, size2)
	if total == 0 {
		return 0
	}
	hi1, lo1 := bits.Mul64(size1, price1)
	hi2, lo2 := bits.Mul64(size2, price2)
	lo, carry := bits.Add64(lo1, lo2, 0)
	hi := hi1 + hi2 + carry
	if hi >= total {
		return maxUint64
	}
	quo, _ := bits.Div64(hi, lo, total)
	return quo
}

// priceMovePnl returns the realized PnL, in collateral tokens, of closing
// closeSize contracts of a position at price.
func priceMovePnl(side Side, closeSize, sizeDecimals, entry, price, priceDecimals, quoteDecimals uint64) Signed {
	var move uint64
	var profit bool
	if price >= entry {
		move = price - entry
		profit = side == Long
	} else {
		move = entry - price
		profit = side == Short
	}
	mag := quoteAmount(closeSize, sizeDecimals, move, priceDecimals, quoteDecimals)
	return SignedOf(mag, !profit)
}

// unrealizedPnl values a whole position at the given price.
func unrealizedPnl(p *Position, price, priceDecimals, quoteDecimals uint64) Signed {
	return priceMovePnl(p.Side, p.Size, p.SizeDecimals, p.EntryPrice, price, priceDecimals, quoteDecimals)
}

// accrued computes the borrow fee and signed funding fee owed by a
// position since its last index snapshots, in collateral tokens.
// A positive funding value is a cost to the position.
func (sm *SymbolMarket) accrued(p *Position, borrowIndexMbp, price, priceDecimals uint64) (borrowFee uint64, funding Signed) {
	borrowFee = mulDiv(p.ReserveAmount, satSub(borrowIndexMbp, p.BorrowIndexMbp), MbpScale)

	delta := sm.Info.Funding.IndexMbp.Sub(p.FundingIndexMbp)
	if delta.IsZero() {
		return borrowFee, Signed{}
	}
	notional := p.NotionalQuote(price, priceDecimals, sm.collateralDecimals())
	mag := mulDiv(notional, delta.Mag, MbpScale)
	// A rising index means longs pay shorts; a falling one the reverse.
	cost := (p.Side == Long) == !delta.Neg
	return borrowFee, SignedOf(mag, !cost)
}

func (sm *SymbolMarket) collateralDecimals() uint64 { return sm.CollateralDecimals }

// settleAccrual realizes accrued borrow and funding against a position's
// collateral and advances its index snapshots. Costs flow to the pool,
// rebates are drawn from it.
func (r *Registry) settleAccrual(sm *SymbolMarket, p *Position, price, priceDecimals uint64) (borrowFee uint64, funding Signed, err error) {
	borrowIndex := r.pool.BorrowIndexMbp(sm.CollateralToken)
	borrowFee, funding = sm.accrued(p, borrowIndex, price, priceDecimals)

	cost := borrowFee
	if !funding.IsZero() && !funding.Neg {
		cost = satAdd(cost, funding.Mag)
	}
	if cost > 0 {
		if p.Mode == ReceiptCollateral {
			p.PendingCostQuote = satAdd(p.PendingCostQuote, cost)
		} else {
			paid := cost
			if paid > p.Collateral {
				paid = p.Collateral
			}
			p.Collateral -= paid
		}
		if err := r.pool.OrderFilled(sm.CollateralToken, SignedOf(cost, true), 0); err != nil {
			return borrowFee, funding, err
		}
	}
	if !funding.IsZero() && funding.Neg {
		// Funding rebate owed to the position.
		if err := r.pool.RequestCollateral(sm.CollateralToken, funding.Mag); err != nil {
			return borrowFee, funding, err
		}
		if p.Mode == ReceiptCollateral {
			p.PendingCostQuote = satSub(p.PendingCostQuote, funding.Mag)
		} else {
			p.Collateral = satAdd(p.Collateral, funding.Mag)
		}
	}

	p.BorrowIndexMbp = borrowIndex
	p.FundingIndexMbp = sm.Info.Funding.IndexMbp
	return borrowFee, funding, nil
}

// payout routes released funds to the user's custody account when one
// exists. The returned amount is what the caller must hand back directly.
func (r *Registry) payout(user, token string, amount uint64) uint64 {
	if amount == 0 {
		return 0
	}
	if r.custody != nil && r.custody.HasAccount(user) {
		r.custody.Deposit(user, token, amount)
		return 0
	}
	return amount
}

// collateralValue values a position's collateral in quote tokens.
func (r *Registry) collateralValue(sm *SymbolMarket, p *Position, nowMs int64) (uint64, error) {
	if p.Mode == TokenCollateral {
		return p.Collateral, nil
	}
	if r.vault == nil {
		return 0, fmt.Errorf("%w: no option vault bound", ErrBidTokenMismatch)
	}
	total := uint64(0)
	for _, receipt := range p.Receipts {
		v, err := r.vault.ReceiptValue(receipt, nowMs)
		if err != nil {
			return 0, err
		}
		total = satAdd(total, v)
	}
	return satSub(total, p.PendingCostQuote), nil
}

// addPositionSize bumps the per-side open position counter.
func (sm *SymbolMarket) addPositionSize(side Side, size uint64) {
	if side == Long {
		sm.Info.LongPositionSize = satAdd(sm.Info.LongPositionSize, size)
	} else {
		sm.Info.ShortPositionSize = satAdd(sm.Info.ShortPositionSize, size)
	}
}

func (sm *SymbolMarket) subPositionSize(side Side, size uint64) {
	if side == Long {
		sm.Info.LongPositionSize = satSub(sm.Info.LongPositionSize, size)
	} else {
		sm.Info.ShortPositionSize = satSub(sm.Info.ShortPositionSize, size)
	}
}

func (sm *SymbolMarket) addOrderSize(side Side, size uint64) {
	if side == Long {
		sm.Info.LongOrderSize = satAdd(sm.Info.LongOrderSize, size)
	} else {
		sm.Info.ShortOrderSize = satAdd(sm.Info.ShortOrderSize, size)
	}
}

func (sm *SymbolMarket) subOrderSize(side Side, size uint64) {
	if side == Long {
		sm.Info.LongOrderSize = satSub(sm.Info.LongOrderSize, size)
	} else {
		sm.Info.ShortOrderSize = satSub(sm.Info.ShortOrderSize, size)
	}
}

// removePosition deletes a position from the arena and cancels every
// still-resting order linked to it, refunding held collateral.
func (r *Registry) removePosition(market *Market, sm *SymbolMarket, p *Position, nowMs int64) (refund uint64) {
	sm.positions.Remove(p.ID)
	for orderID, trigger := range p.LinkedOrders {
		for b := BucketID(0); b < numBuckets; b++ {
			if o, ok := sm.book.remove(b, trigger, orderID, p.User); ok {
				sm.subOrderSize(o.Side, o.Size)
				refund = satAdd(refund, o.Collateral)
				r.returnOrderReceipts(o)
				r.sink.Emit(Event{
					Type: EventOrderCanceled, Market: market.ID, Symbol: sm.Symbol,
					User: o.User, OrderID: o.ID, Side: o.Side.String(),
					Size: o.Size, Price: o.TriggerPrice, After: o.Collateral,
					TimestampMs: nowMs,
				})
				break
			}
		}
	}
	return refund
}

// IncreaseCollateral adds token collateral to an open position.
func (r *Registry) IncreaseCollateral(caller, marketID, symbol string, positionID, amount uint64, nowMs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if p.User != caller {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if p.Mode != TokenCollateral {
		return fmt.Errorf("%w: receipt-collateral position", ErrCollateralMismatch)
	}

	before := p.Collateral
	p.Collateral = satAdd(p.Collateral, amount)
	r.sink.Emit(Event{
		Type: EventCollateralIncrease, Market: marketID, Symbol: symbol,
		User: caller, PositionID: positionID,
		Before: before, After: p.Collateral, TimestampMs: nowMs,
	})
	return nil
}

// ReleaseCollateral returns token collateral from an open position to its
// owner. A release that would leave the position liquidatable is
// rejected.
func (r *Registry) ReleaseCollateral(caller, marketID, symbol string, positionID, amount uint64, nowMs int64) (refund uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	if p.User != caller {
		return 0, fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if p.Mode != TokenCollateral {
		return 0, fmt.Errorf("%w: receipt-collateral position", ErrCollateralMismatch)
	}
	if p.Collateral < amount {
		return 0, fmt.Errorf("%w: have %d want %d", ErrInsufficientCollateral, p.Collateral, amount)
	}

	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return 0, err
	}
	if _, _, err := r.settleAccrual(sm, p, price, priceDec); err != nil {
		return 0, err
	}
	if p.Collateral < amount {
		return 0, fmt.Errorf("%w: have %d want %d", ErrInsufficientCollateral, p.Collateral, amount)
	}

	before := p.Collateral
	p.Collateral -= amount
	liquidated, err := r.positionLiquidated(sm, p, price, priceDec, nowMs)
	if err != nil {
		p.Collateral = before
		return 0, err
	}
	if liquidated {
		p.Collateral = before
		return 0, fmt.Errorf("%w: position %d", ErrReleaseUnsafe, positionID)
	}

	r.sink.Emit(Event{
		Type: EventCollateralRelease, Market: marketID, Symbol: symbol,
		User: caller, PositionID: positionID,
		Before: before, After: p.Collateral, TimestampMs: nowMs,
	})
	return r.payout(caller, sm.CollateralToken, amount), nil
}
