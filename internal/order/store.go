package order

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
)

// Store persists orders and reservations keyed by id.
type Store interface {
	PutOrder(o *Order) error
	GetOrder(id string) (*Order, error)
	ListAccountOrders(account string) ([]*Order, error)
	PutReservation(r Reservation) error
	DeleteReservation(id string) error
	LoadOpen() ([]*Order, []Reservation, error)
	Close() error
}

// Key layout:
//
//	o/<order id>               -> order JSON
//	a/<account>/<order id>     -> empty (account index)
//	r/<reservation id>         -> reservation JSON
//	s/<supervisor id>          -> supervisor record, encoded by its owner
var (
	prefixOrder       = []byte("o/")
	prefixAccount     = []byte("a/")
	prefixReservation = []byte("r/")
	prefixSupervisor  = []byte("s/")
)

func orderKey(id string) []byte { return append(append([]byte{}, prefixOrder...), id...) }

func accountKey(account, id string) []byte {
	k := append(append([]byte{}, prefixAccount...), account...)
	k = append(k, '/')
	return append(k, id...)
}

func accountPrefix(account string) []byte {
	k := append(append([]byte{}, prefixAccount...), account...)
	return append(k, '/')
}

func reservationKey(id string) []byte {
	return append(append([]byte{}, prefixReservation...), id...)
}

// keyUpperBound returns the smallest key greater than every key with prefix.
func keyUpperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore is the durable order state store. Every write is synced.
type PebbleStore struct {
	db *pebble.DB
}

// OpenPebbleStore opens (or creates) a store at dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("open order store at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

// PutOrder writes the order and its account index entry atomically.
func (s *PebbleStore) PutOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(orderKey(o.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(accountKey(o.AccountID, o.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// GetOrder loads one order or returns ErrNotFound.
func (s *PebbleStore) GetOrder(id string) (*Order, error) {
	data, closer, err := s.db.Get(orderKey(id))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	defer closer.Close()

	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// ListAccountOrders returns every stored order of an account, oldest first.
func (s *PebbleStore) ListAccountOrders(account string) ([]*Order, error) {
	prefix := accountPrefix(account)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(iter.Key()[len(prefix):])
		o, err := s.GetOrder(id)
		if err != nil {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PutReservation saves a reservation.
func (s *PebbleStore) PutReservation(r Reservation) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	if err := s.db.Set(reservationKey(r.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save reservation: %w", err)
	}
	return nil
}

// DeleteReservation removes a released reservation.
func (s *PebbleStore) DeleteReservation(id string) error {
	if err := s.db.Delete(reservationKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

// LoadOpen returns non-terminal orders and live reservations.
func (s *PebbleStore) LoadOpen() ([]*Order, []Reservation, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixOrder,
		UpperBound: keyUpperBound(prefixOrder),
	})
	if err != nil {
		return nil, nil, err
	}
	var orders []*Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			continue
		}
		if !o.Status.IsTerminal() {
			orders = append(orders, &o)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, nil, err
	}

	iter, err = s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixReservation,
		UpperBound: keyUpperBound(prefixReservation),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()
	var res []Reservation
	for iter.First(); iter.Valid(); iter.Next() {
		var r Reservation
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			continue
		}
		res = append(res, r)
	}

	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	return orders, res, nil
}

func supervisorKey(id string) []byte {
	return append(append([]byte{}, prefixSupervisor...), id...)
}

// PutSupervisor saves the encoded state of an advanced order's supervisor.
func (s *PebbleStore) PutSupervisor(id string, data []byte) error {
	if err := s.db.Set(supervisorKey(id), data, pebble.Sync); err != nil {
		return fmt.Errorf("save supervisor: %w", err)
	}
	return nil
}

// DeleteSupervisor removes a supervisor that never started.
func (s *PebbleStore) DeleteSupervisor(id string) error {
	if err := s.db.Delete(supervisorKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("delete supervisor: %w", err)
	}
	return nil
}

// LoadSupervisors returns every stored supervisor record.
func (s *PebbleStore) LoadSupervisors() ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixSupervisor,
		UpperBound: keyUpperBound(prefixSupervisor),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		out = append(out, append([]byte{}, iter.Value()...))
	}
	return out, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
