package perps

import "fmt"

// BucketID indexes the eight order-book buckets:
// {token, receipt collateral} x {limit, stop} x {long, short}.
type BucketID int

const (
	TokenLimitLong BucketID = iota
	TokenLimitShort
	TokenStopLong
	TokenStopShort
	ReceiptLimitLong
	ReceiptLimitShort
	ReceiptStopLong
	ReceiptStopShort

	numBuckets
)

var bucketTags = [numBuckets]string{
	TokenLimitLong:    "token_limit_long",
	TokenLimitShort:   "token_limit_short",
	TokenStopLong:     "token_stop_long",
	TokenStopShort:    "token_stop_short",
	ReceiptLimitLong:  "receipt_limit_long",
	ReceiptLimitShort: "receipt_limit_short",
	ReceiptStopLong:   "receipt_stop_long",
	ReceiptStopShort:  "receipt_stop_short",
}

func (b BucketID) String() string {
	if b < 0 || b >= numBuckets {
		return fmt.Sprintf("bucket(%d)", int(b))
	}
	return bucketTags[b]
}

// ParseBucket resolves a bucket tag.
func ParseBucket(tag string) (BucketID, error) {
	for i, t := range bucketTags {
		if t == tag {
			return BucketID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown bucket %q", ErrOrderNotFound, tag)
}

// Buckets lists every book bucket in index order.
func Buckets() []BucketID {
	out := make([]BucketID, numBuckets)
	for i := range out {
		out[i] = BucketID(i)
	}
	return out
}

// bucketFor maps order attributes to their bucket.
func bucketFor(mode CollateralMode, kind OrderKind, side Side) BucketID {
	b := BucketID(0)
	if mode == ReceiptCollateral {
		b += 4
	}
	if kind == StopOrder {
		b += 2
	}
	if side == Short {
		b++
	}
	return b
}

// orderBook holds the eight trigger-price buckets of a symbol. Each
// bucket maps trigger price to the resting orders at that price in
// append order.
type orderBook struct {
	buckets [numBuckets]map[uint64][]*TradingOrder
}

func newOrderBook() *orderBook {
	ob := &orderBook{}
	for i := range ob.buckets {
		ob.buckets[i] = make(map[uint64][]*TradingOrder)
	}
	return ob
}

// add appends an order to its price level.
func (ob *orderBook) add(o *TradingOrder) {
	b := bucketFor(o.Mode, o.Kind, o.Side)
	ob.buckets[b][o.TriggerPrice] = append(ob.buckets[b][o.TriggerPrice], o)
}

// take pops the whole price level from a bucket.
func (ob *orderBook) take(b BucketID, price uint64) []*TradingOrder {
	orders := ob.buckets[b][price]
	delete(ob.buckets[b], price)
	return orders
}

// put requeues a price level's remaining orders.
func (ob *orderBook) put(b BucketID, price uint64, orders []*TradingOrder) {
	if len(orders) == 0 {
		return
	}
	ob.buckets[b][price] = append(ob.buckets[b][price], orders...)
}

// remove deletes an order by (price, id, owner) from its bucket.
func (ob *orderBook) remove(b BucketID, price, orderID uint64, user string) (*TradingOrder, bool) {
	level, ok := ob.buckets[b][price]
	if !ok {
		return nil, false
	}
	for i, o := range level {
		if o.ID == orderID && o.User == user {
			level = append(level[:i], level[i+1:]...)
			if len(level) == 0 {
				delete(ob.buckets[b], price)
			} else {
				ob.buckets[b][price] = level
			}
			return o, true
		}
	}
	return nil, false
}

// find locates an order by (price, id, owner) across all buckets.
func (ob *orderBook) find(price, orderID uint64, user string) (BucketID, *TradingOrder, bool) {
	for b := BucketID(0); b < numBuckets; b++ {
		for _, o := range ob.buckets[b][price] {
			if o.ID == orderID && o.User == user {
				return b, o, true
			}
		}
	}
	return 0, nil, false
}

// each walks every resting order until fn returns false.
func (ob *orderBook) each(fn func(BucketID, *TradingOrder) bool) {
	for b := BucketID(0); b < numBuckets; b++ {
		for _, level := range ob.buckets[b] {
			for _, o := range level {
				if !fn(b, o) {
					return
				}
			}
		}
	}
}

// depth returns the number of resting orders in a bucket.
func (ob *orderBook) depth(b BucketID) int {
	n := 0
	for _, level := range ob.buckets[b] {
		n += len(level)
	}
	return n
}
