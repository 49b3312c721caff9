package perps

// positionArena stores open positions with O(1) amortized insert and
// remove-by-id. Removal swaps the last slot into the hole, so iteration
// order is not stable; callers that need determinism sort by id.
type positionArena struct {
	slots []*Position
	index map[uint64]int
}

func newPositionArena() *positionArena {
	return &positionArena{index: make(map[uint64]int)}
}

func (a *positionArena) Len() int { return len(a.slots) }

func (a *positionArena) Insert(p *Position) {
	a.index[p.ID] = len(a.slots)
	a.slots = append(a.slots, p)
}

func (a *positionArena) Get(id uint64) (*Position, bool) {
	i, ok := a.index[id]
	if !ok {
		return nil, false
	}
	return a.slots[i], true
}

// Remove swap-removes the position with the given id.
func (a *positionArena) Remove(id uint64) (*Position, bool) {
	i, ok := a.index[id]
	if !ok {
		return nil, false
	}
	p := a.slots[i]
	last := len(a.slots) - 1
	if i != last {
		a.slots[i] = a.slots[last]
		a.index[a.slots[i].ID] = i
	}
	a.slots[last] = nil
	a.slots = a.slots[:last]
	delete(a.index, id)
	return p, true
}

// Each calls fn for every stored position until fn returns false.
func (a *positionArena) Each(fn func(*Position) bool) {
	for _, p := range a.slots {
		if !fn(p) {
			return
		}
	}
}
