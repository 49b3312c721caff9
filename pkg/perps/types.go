package perps

// Side represents position/order direction.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Long {
		return "long"
	}
	return "short"
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderKind distinguishes limit orders from stop orders. A limit order
// fills when the oracle price is at least as favorable as the trigger, a
// stop order fills once the price has moved through the trigger.
type OrderKind int

const (
	LimitOrder OrderKind = iota
	StopOrder
)

func (k OrderKind) String() string {
	if k == StopOrder {
		return "stop"
	}
	return "limit"
}

// CollateralMode distinguishes token-collateral orders/positions from
// option bid-receipt collateral.
type CollateralMode int

const (
	TokenCollateral CollateralMode = iota
	ReceiptCollateral
)

func (m CollateralMode) String() string {
	if m == ReceiptCollateral {
		return "receipt"
	}
	return "token"
}

// BidReceipt is a claim on an option vault usable as collateral. Its
// intrinsic value and expiry are resolved through the OptionVault
// collaborator.
type BidReceipt struct {
	VaultIndex uint64 `json:"vaultIndex"`
	BidToken   string `json:"bidToken"`
	Shares     uint64 `json:"shares"`
}

// TradingOrder is a resting conditional order.
type TradingOrder struct {
	ID           uint64
	User         string
	Side         Side
	Kind         OrderKind
	Mode         CollateralMode
	Size         uint64
	SizeDecimals uint64
	TriggerPrice uint64
	ReduceOnly   bool
	LeverageMbp  uint64

	// Token collateral held for the order, in the market's collateral
	// token. Zero for receipt-collateral orders.
	Collateral uint64
	// Receipt collateral. Nil for token-collateral orders.
	Receipts []BidReceipt

	// LinkedPosition ties a reducing order to an existing position.
	// Zero means unlinked.
	LinkedPosition uint64

	// FilledPrice caches the oracle price the order executed at.
	FilledPrice uint64

	CreatedAtMs int64
}

// Position is an open leveraged position.
type Position struct {
	ID           uint64
	User         string
	Side         Side
	Mode         CollateralMode
	Size         uint64
	SizeDecimals uint64
	EntryPrice   uint64
	LeverageMbp  uint64

	// Token collateral, in the market's collateral token.
	Collateral uint64
	// Receipt collateral descriptor for ReceiptCollateral positions.
	Receipts []BidReceipt

	// ReserveAmount mirrors what has been reserved from the liquidity
	// pool against this position's notional.
	ReserveAmount uint64

	// PendingCostQuote accumulates fees, funding and borrow costs charged
	// against receipt collateral; it settles when the receipts are
	// exercised or returned. Always zero for token collateral.
	PendingCostQuote uint64

	// Accrual snapshots: the cumulative indices last settled against.
	BorrowIndexMbp  uint64
	FundingIndexMbp Signed

	// Resting orders linked to this position, order id -> trigger price.
	LinkedOrders map[uint64]uint64

	OpenedAtMs int64
}

// NotionalQuote returns the position's notional at the given oracle price,
// in collateral-token units.
func (p *Position) NotionalQuote(price, priceDecimals, quoteDecimals uint64) uint64 {
	return quoteAmount(p.Size, p.SizeDecimals, price, priceDecimals, quoteDecimals)
}

// linkOrder records a dependent resting order.
func (p *Position) linkOrder(orderID, triggerPrice uint64) {
	if p.LinkedOrders == nil {
		p.LinkedOrders = make(map[uint64]uint64)
	}
	p.LinkedOrders[orderID] = triggerPrice
}

func (p *Position) unlinkOrder(orderID uint64) {
	delete(p.LinkedOrders, orderID)
}

// FundingSnapshot is the cumulative funding state of a symbol at a point
// in time. Prev holds the snapshot archived before the latest update so
// stale per-position accrual can recover the signed delta across a sign
// flip.
type FundingSnapshot struct {
	LastUpdateMs int64  `json:"lastUpdateMs"`
	IndexMbp     Signed `json:"indexMbp"`
}

// UnsettledReceipt is an escrowed claim left behind by a receipt-collateral
// liquidation whose receipts had not yet expired. A maintenance pass
// settles it once the receipts expire.
type UnsettledReceipt struct {
	PositionID uint64
	User       string
	Receipts   []BidReceipt
	// OwedQuote is what the pool is still owed, in collateral tokens.
	OwedQuote uint64
	CreatedMs int64
}
