package perps

import (
	"fmt"
	"sort"
)

// positionLiquidated applies the maintenance-margin test at the given
// price: collateral value, net of unrealized PnL and unsettled borrow
// and funding accrual, must cover maintenanceMarginBp of the current
// notional. Callers hold the lock.
func (r *Registry) positionLiquidated(sm *SymbolMarket, p *Position, price, priceDec uint64, nowMs int64) (bool, error) {
	collateral, err := r.collateralValue(sm, p, nowMs)
	if err != nil {
		return false, err
	}
	borrowFee, funding := sm.accrued(p, r.pool.BorrowIndexMbp(sm.CollateralToken), price, priceDec)
	pnl := unrealizedPnl(p, price, priceDec, sm.CollateralDecimals)

	remaining := SignedOf(collateral, false).
		AddSigned(pnl).
		Add(borrowFee, true).
		Sub(funding)

	mm := sm.Config.MaintenanceMarginBp
	if p.Mode == ReceiptCollateral {
		mm = sm.Config.MaintenanceReceiptMarginBp
	}
	notional := p.NotionalQuote(price, priceDec, sm.CollateralDecimals)
	required := mulDiv(notional, mm, BpScale)

	return remaining.Cmp(SignedOf(required, false)) < 0, nil
}

// CheckPositionLiquidated reports whether a position fails its margin
// check at the current oracle price.
func (r *Registry) CheckPositionLiquidated(marketID, symbol string, positionID uint64, nowMs int64) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return false, err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return false, err
	}
	return r.positionLiquidated(sm, p, price, priceDec, nowMs)
}

// Liquidate forcibly closes an undercollateralized position. The caller
// (any address, typically a cranker) earns the liquidator fee; the rest
// of the position's value sweeps into the liquidity pool as loss
// coverage. Liquidating a healthy position aborts.
func (r *Registry) Liquidate(caller, marketID, symbol string, positionID uint64, nowMs int64) (liquidatorFee uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	market, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return 0, err
	}

	liquidated, err := r.positionLiquidated(sm, p, price, priceDec, nowMs)
	if err != nil {
		return 0, err
	}
	if !liquidated {
		return 0, fmt.Errorf("%w: %d", ErrPositionHealthy, positionID)
	}

	// Realize accrual so the sweep below sees settled collateral.
	if _, _, err := r.settleAccrual(sm, p, price, priceDec); err != nil {
		return 0, err
	}

	notional := p.NotionalQuote(price, priceDec, sm.CollateralDecimals)
	fee := mulDiv(notional, sm.Config.LiquidatorFeeBp, BpScale)

	if p.Mode == TokenCollateral {
		if fee > p.Collateral {
			fee = p.Collateral
		}
		remainder := p.Collateral - fee
		if remainder > 0 {
			r.pool.PutCollateral(sm.CollateralToken, remainder)
		}
	} else {
		fee = r.liquidateReceipts(sm, p, fee, nowMs)
	}

	if p.ReserveAmount > 0 {
		if err := r.pool.UpdateReserve(sm.CollateralToken, false, p.ReserveAmount); err != nil {
			return 0, err
		}
	}

	sm.subPositionSize(p.Side, p.Size)
	refund := r.removePosition(market, sm, p, nowMs)
	r.payout(p.User, sm.CollateralToken, refund)
	r.payout(caller, sm.CollateralToken, fee)

	r.sink.Emit(Event{
		Type: EventPositionLiquidated, Market: marketID, Symbol: symbol,
		User: p.User, PositionID: p.ID, Side: p.Side.String(),
		Size: p.Size, Price: price, Fee: fee, Before: p.Collateral, After: 0,
		TimestampMs: nowMs,
	})
	return fee, nil
}

// liquidateReceipts exercises or escrows a receipt-collateral position's
// receipts. Everything except the liquidator fee is owed to the pool;
// if exercising the expired receipts yields less than that, an unsettled
// claim is escrowed against the unexpired remainder.
func (r *Registry) liquidateReceipts(sm *SymbolMarket, p *Position, fee uint64, nowMs int64) (paidFee uint64) {
	if r.vault == nil {
		return 0
	}
	var unexpired []BidReceipt
	proceeds := uint64(0)
	totalValue := uint64(0)
	for _, receipt := range p.Receipts {
		v, err := r.vault.ReceiptValue(receipt, nowMs)
		if err == nil {
			totalValue = satAdd(totalValue, v)
		}
		if r.vault.Expired(receipt, nowMs) {
			if out, err := r.vault.Exercise(receipt, nowMs); err == nil {
				proceeds = satAdd(proceeds, out)
			}
		} else {
			unexpired = append(unexpired, receipt)
		}
	}

	if fee > totalValue {
		fee = totalValue
	}
	paidFee = fee
	if paidFee > proceeds {
		paidFee = proceeds
	}
	proceeds -= paidFee

	owed := satSub(totalValue, fee)
	paid := owed
	if paid > proceeds {
		paid = proceeds
	}
	if paid > 0 {
		r.pool.PutCollateral(sm.CollateralToken, paid)
	}
	owed -= paid

	if owed > 0 && len(unexpired) > 0 {
		sm.pendingReceipts = append(sm.pendingReceipts, UnsettledReceipt{
			PositionID: p.ID,
			User:       p.User,
			Receipts:   unexpired,
			OwedQuote:  owed,
			CreatedMs:  nowMs,
		})
	}
	return paidFee
}

// SettleReceipts walks the pending unsettled-receipt escrows and settles
// those whose receipts have all expired, up to the operation budget.
// Proceeds beyond what the pool is owed go to the owner's custody
// account.
func (r *Registry) SettleReceipts(marketID, symbol string, budget int, nowMs int64) (settled int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, err
	}
	if r.vault == nil {
		return 0, nil
	}

	kept := sm.pendingReceipts[:0]
	for i := range sm.pendingReceipts {
		claim := sm.pendingReceipts[i]
		if budget <= 0 {
			kept = append(kept, claim)
			continue
		}

		allExpired := true
		for _, receipt := range claim.Receipts {
			if !r.vault.Expired(receipt, nowMs) {
				allExpired = false
				break
			}
		}
		if !allExpired {
			kept = append(kept, claim)
			continue
		}
		budget--

		proceeds := uint64(0)
		for _, receipt := range claim.Receipts {
			if out, err := r.vault.Exercise(receipt, nowMs); err == nil {
				proceeds = satAdd(proceeds, out)
			}
		}
		paid := claim.OwedQuote
		if paid > proceeds {
			paid = proceeds
		}
		if paid > 0 {
			r.pool.PutCollateral(sm.CollateralToken, paid)
		}
		r.payout(claim.User, sm.CollateralToken, proceeds-paid)

		r.sink.Emit(Event{
			Type: EventReceiptsSettled, Market: marketID, Symbol: symbol,
			User: claim.User, PositionID: claim.PositionID,
			Before: claim.OwedQuote, After: satSub(claim.OwedQuote, paid),
			TimestampMs: nowMs,
		})
		settled++
	}
	sm.pendingReceipts = kept
	return settled, nil
}

// GetLiquidationInfo scans a symbol's positions holding the given
// collateral token and returns the liquidatable ids, or every matching
// id when all is set. Crankers use this to target Liquidate calls.
func (r *Registry) GetLiquidationInfo(marketID, symbol, collateralToken string, all bool, nowMs int64) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return nil, err
	}
	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return nil, err
	}

	var ids []uint64
	var scanErr error
	sm.positions.Each(func(p *Position) bool {
		if !positionUsesToken(sm, p, collateralToken) {
			return true
		}
		if all {
			ids = append(ids, p.ID)
			return true
		}
		liquidated, err := r.positionLiquidated(sm, p, price, priceDec, nowMs)
		if err != nil {
			scanErr = err
			return false
		}
		if liquidated {
			ids = append(ids, p.ID)
		}
		return true
	})
	if scanErr != nil {
		return nil, scanErr
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func positionUsesToken(sm *SymbolMarket, p *Position, token string) bool {
	if p.Mode == TokenCollateral {
		return sm.CollateralToken == token
	}
	for _, receipt := range p.Receipts {
		if receipt.BidToken == token {
			return true
		}
	}
	return false
}
