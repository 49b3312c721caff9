package perps

import (
	"fmt"
	"sync"
)

// Custody is the optional per-user account collaborator. When a user has
// no custody account, released funds are returned directly to the caller
// in the operation result.
type Custody interface {
	HasAccount(user string) bool
	Deposit(user, token string, amount uint64)
	Withdraw(user, token string, amount uint64) error
}

// InMemoryCustody is a balance ledger keyed by (user, token).
type InMemoryCustody struct {
	mu       sync.RWMutex
	balances map[string]map[string]uint64
}

// NewInMemoryCustody creates an empty custody ledger.
func NewInMemoryCustody() *InMemoryCustody {
	return &InMemoryCustody{balances: make(map[string]map[string]uint64)}
}

// Open creates an account for a user.
func (c *InMemoryCustody) Open(user string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.balances[user]; !ok {
		c.balances[user] = make(map[string]uint64)
	}
}

func (c *InMemoryCustody) HasAccount(user string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.balances[user]
	return ok
}

func (c *InMemoryCustody) Deposit(user, token string, amount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct, ok := c.balances[user]
	if !ok {
		acct = make(map[string]uint64)
		c.balances[user] = acct
	}
	acct[token] = satAdd(acct[token], amount)
}

func (c *InMemoryCustody) Withdraw(user, token string, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acct, ok := c.balances[user]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrUnauthorized, user)
	}
	if acct[token] < amount {
		return fmt.Errorf("%w: %s balance", ErrInsufficientCollateral, token)
	}
	acct[token] -= amount
	return nil
}

// Balance returns a user's token balance.
func (c *InMemoryCustody) Balance(user, token string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.balances[user][token]
}
