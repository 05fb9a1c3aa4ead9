package engine

import (
	"time"

	"order-core/internal/balance"
	"order-core/internal/order"
	"order-core/internal/supervisor"
)

// SubmitResult is the synchronous answer to SubmitOrder. Exactly one of
// Order and Supervisor is set.
type SubmitResult struct {
	ID         string               `json:"id"`
	Kind       string               `json:"kind"`
	Order      *order.Order         `json:"order,omitempty"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// Status returns the order or supervisor status as a string.
func (r SubmitResult) Status() string {
	switch {
	case r.Order != nil:
		return string(r.Order.Status)
	case r.Supervisor != nil:
		return string(r.Supervisor.Status)
	}
	return ""
}

// AccountStatus is the ledger view of one account: its halt flag and every
// balance it holds.
type AccountStatus struct {
	AccountID  string            `json:"account_id"`
	Halted     bool              `json:"halted"`
	HaltReason string            `json:"halt_reason,omitempty"`
	Balances   []balance.Balance `json:"balances"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Node              string            `json:"node"`
	Symbols           []string          `json:"symbols"`
	UseMockFeed       bool              `json:"use_mock_feed"`
	Version           string            `json:"version"`
	OpenOrders        int               `json:"open_orders"`
	ActiveSupervisors int               `json:"active_supervisors"`
	LastPrices        map[string]string `json:"last_prices"`
	ServerTime        time.Time         `json:"server_time"`
}

// FillMessage is the payload published for each execution on the bus and
// the fills topic.
type FillMessage struct {
	Fill   order.Fill   `json:"fill"`
	Status order.Status `json:"status"`
}
