package order

import (
	"sync"

	"github.com/huandu/skiplist"
	"github.com/shopspring/decimal"
)

// priceAsc and priceDesc order decimal price levels. Scores must sort the
// same way as Compare, so the descending comparator negates its score.
type priceAsc struct{}

func (priceAsc) Compare(l, r interface{}) int {
	return l.(decimal.Decimal).Cmp(r.(decimal.Decimal))
}

func (priceAsc) CalcScore(key interface{}) float64 {
	return key.(decimal.Decimal).InexactFloat64()
}

type priceDesc struct{}

func (priceDesc) Compare(l, r interface{}) int {
	return r.(decimal.Decimal).Cmp(l.(decimal.Decimal))
}

func (priceDesc) CalcScore(key interface{}) float64 {
	return -key.(decimal.Decimal).InexactFloat64()
}

// priceIndex holds one symbol's resting orders as FIFO queues per price
// level. It is a leaf lock: never acquire an order lock while holding mu.
type priceIndex struct {
	mu        sync.Mutex
	buys      *skiplist.SkipList // limit buys, best (highest) first
	sells     *skiplist.SkipList // limit sells, best (lowest) first
	buyStops  *skiplist.SkipList // untriggered buy stops, lowest first
	sellStops *skiplist.SkipList // untriggered sell stops, highest first
	market    []string
}

func newPriceIndex() *priceIndex {
	return &priceIndex{
		buys:      skiplist.New(priceDesc{}),
		sells:     skiplist.New(priceAsc{}),
		buyStops:  skiplist.New(priceAsc{}),
		sellStops: skiplist.New(priceDesc{}),
	}
}

// slot picks the list and key an order rests under.
func (ix *priceIndex) slot(o *Order) (*skiplist.SkipList, decimal.Decimal) {
	switch {
	case o.pendingStop() && o.IsBuy():
		return ix.buyStops, o.StopPrice
	case o.pendingStop():
		return ix.sellStops, o.StopPrice
	case o.hasLimit() && o.IsBuy():
		return ix.buys, o.Price
	case o.hasLimit():
		return ix.sells, o.Price
	}
	return nil, decimal.Zero
}

func (ix *priceIndex) add(o *Order) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	list, key := ix.slot(o)
	if list == nil {
		ix.market = append(ix.market, o.ID)
		return
	}
	if elem := list.Get(key); elem != nil {
		elem.Value = append(elem.Value.([]string), o.ID)
		return
	}
	list.Set(key, []string{o.ID})
}

func (ix *priceIndex) remove(o *Order) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	list, key := ix.slot(o)
	if list == nil {
		ix.market = without(ix.market, o.ID)
		return
	}
	elem := list.Get(key)
	if elem == nil {
		return
	}
	queue := without(elem.Value.([]string), o.ID)
	if len(queue) == 0 {
		list.Remove(key)
		return
	}
	elem.Value = queue
}

func without(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// crossable returns ids of orders a tick at ref may fill or trigger, in
// priority order: market orders, then limits by price and time, then stops
// in the order they trigger.
func (ix *priceIndex) crossable(ref decimal.Decimal) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := append([]string{}, ix.market...)
	collect := func(list *skiplist.SkipList, ok func(decimal.Decimal) bool) {
		for e := list.Front(); e != nil; e = e.Next() {
			if !ok(e.Key().(decimal.Decimal)) {
				return
			}
			out = append(out, e.Value.([]string)...)
		}
	}
	collect(ix.buys, func(p decimal.Decimal) bool { return ref.LessThanOrEqual(p) })
	collect(ix.sells, func(p decimal.Decimal) bool { return ref.GreaterThanOrEqual(p) })
	collect(ix.buyStops, func(p decimal.Decimal) bool { return ref.GreaterThanOrEqual(p) })
	collect(ix.sellStops, func(p decimal.Decimal) bool { return ref.LessThanOrEqual(p) })
	return out
}

// size returns the number of indexed orders.
func (ix *priceIndex) size() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := len(ix.market)
	for _, list := range []*skiplist.SkipList{ix.buys, ix.sells, ix.buyStops, ix.sellStops} {
		for e := list.Front(); e != nil; e = e.Next() {
			n += len(e.Value.([]string))
		}
	}
	return n
}
