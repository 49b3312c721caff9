package perps

import "errors"

// Errors returned by registry operations. Every failed precondition aborts
// the whole operation before any state is mutated.
var (
	// Authorization
	ErrUnauthorized = errors.New("caller not permitted")

	// Lifecycle
	ErrMarketNotFound    = errors.New("market not found")
	ErrMarketExists      = errors.New("market already exists")
	ErrMarketInactive    = errors.New("market inactive")
	ErrSymbolNotFound    = errors.New("symbol not found")
	ErrSymbolExists      = errors.New("symbol already exists")
	ErrSymbolInactive    = errors.New("symbol inactive")
	ErrOrderNotFound     = errors.New("order not found")
	ErrPositionNotFound  = errors.New("position not found")
	ErrReceiptNotExpired = errors.New("receipt not expired")
	ErrReceiptSpent      = errors.New("receipt already exercised")

	// Sizing
	ErrSizeBelowMinimum  = errors.New("size below minimum")
	ErrSizeNotLotAligned = errors.New("size not aligned to lot size")
	ErrOpenInterestCap   = errors.New("open interest cap exceeded")

	// Solvency
	ErrInsufficientCollateral = errors.New("insufficient collateral for fee")
	ErrLeverageTooHigh        = errors.New("leverage cap exceeded")
	ErrInsufficientReserve    = errors.New("insufficient pool reserve")
	ErrPositionHealthy        = errors.New("position not liquidatable")
	ErrReleaseUnsafe          = errors.New("release would trigger liquidation")

	// Oracle / domain
	ErrOracleNotFound     = errors.New("oracle not found")
	ErrOracleMismatch     = errors.New("oracle does not match symbol")
	ErrOracleStale        = errors.New("oracle price stale")
	ErrCollateralMismatch = errors.New("wrong collateral token")
	ErrBidTokenMismatch   = errors.New("wrong bid token")
)
