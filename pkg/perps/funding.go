package perps

import "fmt"

// UpdateFunding recomputes a symbol's cumulative funding index from the
// current long/short imbalance and pool TVL. It only acts once at least
// one full funding interval has elapsed since the last update; callers
// may invoke it freely and it is a no-op otherwise.
//
// The index lives in milli-basis-points. When longs dominate, the index
// rises (longs pay shorts); when shorts dominate it falls. Crossing zero
// flips the sign and the magnitude becomes the overshoot, and the prior
// snapshot is archived so stale positions can recover the signed delta
// precisely.
func (r *Registry) UpdateFunding(marketID, symbol string, nowMs int64) (updated bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return false, err
	}
	cfg := &sm.Config
	if cfg.Funding.IntervalMs <= 0 {
		return false, nil
	}

	last := sm.Info.Funding.LastUpdateMs
	if last == 0 {
		// First call pins the schedule without accruing.
		sm.Info.Funding.LastUpdateMs = nowMs - nowMs%cfg.Funding.IntervalMs
		return false, nil
	}
	elapsed := nowMs - last
	if elapsed < cfg.Funding.IntervalMs {
		return false, nil
	}
	intervals := uint64(elapsed / cfg.Funding.IntervalMs)
	aligned := last + int64(intervals)*cfg.Funding.IntervalMs

	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return false, err
	}

	exposure, dominant := imbalance(sm.Info.LongPositionSize, sm.Info.ShortPositionSize)
	exposureUsd := usdValue(exposure, sm.Info.SizeDecimals, price, priceDec)
	tvl := r.pool.TvlUsd()

	var increment uint64
	if tvl > 0 && exposure > 0 {
		perInterval := mulDiv(cfg.Funding.BasicRateMbp, exposureUsd, tvl)
		increment = satMul(perInterval, intervals)
	}

	// Archive the previous snapshot before updating.
	sm.Info.PrevFunding = sm.Info.Funding
	sm.Info.Funding.LastUpdateMs = aligned
	if increment > 0 {
		// Longs dominating pushes the index positive.
		sm.Info.Funding.IndexMbp = sm.Info.Funding.IndexMbp.Add(increment, dominant == Short)
	}

	r.sink.Emit(Event{
		Type: EventFundingUpdated, Market: marketID, Symbol: symbol,
		Before: sm.Info.PrevFunding.IndexMbp.Mag, After: sm.Info.Funding.IndexMbp.Mag,
		Funding:     sm.Info.Funding.IndexMbp,
		TimestampMs: nowMs,
	})
	return true, nil
}

// FundingState returns the current and previous funding snapshots.
func (r *Registry) FundingState(marketID, symbol string) (current, previous FundingSnapshot, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return FundingSnapshot{}, FundingSnapshot{}, err
	}
	return sm.Info.Funding, sm.Info.PrevFunding, nil
}

// PositionAccrual reports the borrow fee and signed funding a position
// would settle at the current oracle price, without mutating state.
func (r *Registry) PositionAccrual(marketID, symbol string, positionID uint64, nowMs int64) (borrowFee uint64, funding Signed, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, sm, err := r.symbolMarket(marketID, symbol)
	if err != nil {
		return 0, Signed{}, err
	}
	p, ok := sm.positions.Get(positionID)
	if !ok {
		return 0, Signed{}, fmt.Errorf("%w: %d", ErrPositionNotFound, positionID)
	}
	price, priceDec, err := r.oraclePrice(sm, nowMs)
	if err != nil {
		return 0, Signed{}, err
	}
	borrowFee, funding = sm.accrued(p, r.pool.BorrowIndexMbp(sm.CollateralToken), price, priceDec)
	return borrowFee, funding, nil
}
