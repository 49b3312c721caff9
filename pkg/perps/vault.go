package perps

import (
	"fmt"
	"sync"
)

// OptionVault resolves bid receipts used as collateral: their intrinsic
// (exercise) value, their expiry, and exercise into real tokens.
type OptionVault interface {
	// ReceiptValue returns a receipt's intrinsic value in the market's
	// collateral token.
	ReceiptValue(r BidReceipt, nowMs int64) (uint64, error)
	// Expired reports whether the receipt's vault round has expired.
	Expired(r BidReceipt, nowMs int64) bool
	// Exercise burns an expired receipt for its underlying token value.
	// Exercising an unexpired or already-burned receipt fails.
	Exercise(r BidReceipt, nowMs int64) (uint64, error)
}

// InMemoryVault is a reference OptionVault for the daemon and tests.
// A receipt value is single-use: exercising it a second time fails.
type InMemoryVault struct {
	mu     sync.RWMutex
	rounds map[uint64]*vaultRound
	spent  map[BidReceipt]bool
}

type vaultRound struct {
	bidToken      string
	valuePerShare uint64 // collateral tokens per share
	expiryMs      int64
}

// NewInMemoryVault creates an empty vault.
func NewInMemoryVault() *InMemoryVault {
	return &InMemoryVault{
		rounds: make(map[uint64]*vaultRound),
		spent:  make(map[BidReceipt]bool),
	}
}

// SetRound configures a vault round's bid token, per-share value and
// expiry.
func (v *InMemoryVault) SetRound(index uint64, bidToken string, valuePerShare uint64, expiryMs int64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rounds[index] = &vaultRound{bidToken: bidToken, valuePerShare: valuePerShare, expiryMs: expiryMs}
}

func (v *InMemoryVault) ReceiptValue(r BidReceipt, nowMs int64) (uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	round, ok := v.rounds[r.VaultIndex]
	if !ok {
		return 0, fmt.Errorf("%w: vault %d", ErrBidTokenMismatch, r.VaultIndex)
	}
	if round.bidToken != r.BidToken {
		return 0, fmt.Errorf("%w: vault %d expects %s", ErrBidTokenMismatch, r.VaultIndex, round.bidToken)
	}
	return satMul(r.Shares, round.valuePerShare), nil
}

func (v *InMemoryVault) Expired(r BidReceipt, nowMs int64) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	round, ok := v.rounds[r.VaultIndex]
	if !ok {
		return false
	}
	return nowMs >= round.expiryMs
}

func (v *InMemoryVault) Exercise(r BidReceipt, nowMs int64) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	round, ok := v.rounds[r.VaultIndex]
	if !ok {
		return 0, fmt.Errorf("%w: vault %d", ErrBidTokenMismatch, r.VaultIndex)
	}
	if nowMs < round.expiryMs {
		return 0, fmt.Errorf("%w: vault %d", ErrReceiptNotExpired, r.VaultIndex)
	}
	if v.spent[r] {
		return 0, fmt.Errorf("%w: vault %d", ErrReceiptSpent, r.VaultIndex)
	}
	v.spent[r] = true
	return satMul(r.Shares, round.valuePerShare), nil
}
