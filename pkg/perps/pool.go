package perps

import (
	"fmt"
	"sync"
)

// PoolTokenState is the per-token slice of liquidity-pool state the
// engine reads.
type PoolTokenState struct {
	Liquidity uint64 `json:"liquidity"`
	TvlUsd    uint64 `json:"tvlUsd"`
	Reserved  uint64 `json:"reserved"`
}

// LiquidityPool is the collaborator that backs every position's reserve
// and absorbs realized PnL. The engine never bypasses its reserve
// accounting: every change to a position's reserved or collateral amount
// applies the equal-and-opposite delta here inside the same operation.
type LiquidityPool interface {
	// TokenState returns the pool slice for a collateral token.
	TokenState(token string) (PoolTokenState, bool)
	// BorrowIndexMbp returns the cumulative borrow rate for a token,
	// in milli-basis-points.
	BorrowIndexMbp(token string) uint64
	// UpdateReserve earmarks (or frees) pool liquidity against a
	// position's notional exposure.
	UpdateReserve(token string, increase bool, amount uint64) error
	// PutCollateral moves collateral tokens into pool custody.
	PutCollateral(token string, amount uint64)
	// RequestCollateral moves collateral tokens out of pool custody.
	RequestCollateral(token string, amount uint64) error
	// OrderFilled settles a fill: profit is paid from the pool, loss and
	// the trading fee are absorbed by it.
	OrderFilled(token string, pnl Signed, fee uint64) error
	// Active reports whether the token pool accepts new exposure.
	Active(token string) bool
	// TvlUsd returns the pool's total value locked in USD (1e9 scale).
	TvlUsd() uint64
}

// InMemoryPool is the reference LiquidityPool used by the daemon and the
// package tests.
type InMemoryPool struct {
	mu     sync.RWMutex
	tokens map[string]*poolToken
	tvlUsd uint64
}

type poolToken struct {
	state     PoolTokenState
	borrowMbp uint64
	active    bool
}

// NewInMemoryPool creates an empty pool.
func NewInMemoryPool() *InMemoryPool {
	return &InMemoryPool{tokens: make(map[string]*poolToken)}
}

// AddToken seeds a token pool with liquidity and USD valuation.
func (p *InMemoryPool) AddToken(token string, liquidity, tvlUsd uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tokens[token] = &poolToken{
		state:  PoolTokenState{Liquidity: liquidity, TvlUsd: tvlUsd},
		active: true,
	}
	p.tvlUsd = satAdd(p.tvlUsd, tvlUsd)
}

// SetBorrowIndexMbp advances a token's cumulative borrow rate.
func (p *InMemoryPool) SetBorrowIndexMbp(token string, index uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tk, ok := p.tokens[token]; ok {
		tk.borrowMbp = index
	}
}

// SetActive toggles a token pool's activity flag.
func (p *InMemoryPool) SetActive(token string, active bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tk, ok := p.tokens[token]; ok {
		tk.active = active
	}
}

func (p *InMemoryPool) TokenState(token string) (PoolTokenState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tk, ok := p.tokens[token]
	if !ok {
		return PoolTokenState{}, false
	}
	return tk.state, true
}

func (p *InMemoryPool) BorrowIndexMbp(token string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tk, ok := p.tokens[token]; ok {
		return tk.borrowMbp
	}
	return 0
}

func (p *InMemoryPool) UpdateReserve(token string, increase bool, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tk, ok := p.tokens[token]
	if !ok {
		return fmt.Errorf("%w: pool token %s", ErrCollateralMismatch, token)
	}
	if increase {
		if satSub(tk.state.Liquidity, tk.state.Reserved) < amount {
			return fmt.Errorf("%w: token %s", ErrInsufficientReserve, token)
		}
		tk.state.Reserved = satAdd(tk.state.Reserved, amount)
		return nil
	}
	tk.state.Reserved = satSub(tk.state.Reserved, amount)
	return nil
}

func (p *InMemoryPool) PutCollateral(token string, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tk, ok := p.tokens[token]; ok {
		tk.state.Liquidity = satAdd(tk.state.Liquidity, amount)
	}
}

func (p *InMemoryPool) RequestCollateral(token string, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tk, ok := p.tokens[token]
	if !ok {
		return fmt.Errorf("%w: pool token %s", ErrCollateralMismatch, token)
	}
	if tk.state.Liquidity < amount {
		return fmt.Errorf("%w: token %s", ErrInsufficientReserve, token)
	}
	tk.state.Liquidity -= amount
	return nil
}

func (p *InMemoryPool) OrderFilled(token string, pnl Signed, fee uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tk, ok := p.tokens[token]
	if !ok {
		return fmt.Errorf("%w: pool token %s", ErrCollateralMismatch, token)
	}
	// Trader profit is paid from the pool, trader loss and fees accrue
	// to it.
	if !pnl.Neg && pnl.Mag > 0 {
		if tk.state.Liquidity < pnl.Mag {
			return fmt.Errorf("%w: token %s", ErrInsufficientReserve, token)
		}
		tk.state.Liquidity -= pnl.Mag
	} else {
		tk.state.Liquidity = satAdd(tk.state.Liquidity, pnl.Mag)
	}
	tk.state.Liquidity = satAdd(tk.state.Liquidity, fee)
	return nil
}

func (p *InMemoryPool) Active(token string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if tk, ok := p.tokens[token]; ok {
		return tk.active
	}
	return false
}

func (p *InMemoryPool) TvlUsd() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.tvlUsd
}
