package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountIDRequired = errors.New("account_id is required for data isolation")
	ErrNotFound          = errors.New("record not found")
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// ----------------------------------------
// Accounts
// ----------------------------------------

// CreateAccount inserts an account.
func (d *Database) CreateAccount(ctx context.Context, a Account) error {
	if a.ID == "" {
		return ErrAccountIDRequired
	}
	var email any
	if a.Email != "" {
		email = a.Email
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, kyc_status, risk_tier, risk_score, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, email, a.PasswordHash, a.KYCStatus, a.RiskTier, a.RiskScore, a.Role, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

const accountColumns = `id, COALESCE(email, ''), password_hash, kyc_status, risk_tier, risk_score, role, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.KYCStatus, &a.RiskTier, &a.RiskScore, &a.Role, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount returns the account or ErrNotFound.
func (d *Database) GetAccount(ctx context.Context, id string) (*Account, error) {
	if id == "" {
		return nil, ErrAccountIDRequired
	}
	a, err := scanAccount(d.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetAccountByEmail returns nil, nil when no account uses email.
func (d *Database) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := scanAccount(d.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// UpdateAccountRisk sets KYC status, tier and score.
func (d *Database) UpdateAccountRisk(ctx context.Context, id, kycStatus, tier string, score int) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE accounts SET kyc_status = ?, risk_tier = ?, risk_score = ?, updated_at = ?
		WHERE id = ?
	`, kycStatus, tier, score, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update account risk: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Orders & fills
// ----------------------------------------

// UpsertOrder writes the latest order snapshot.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	return upsertOrder(ctx, d.DB, o)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertOrder(ctx context.Context, ex execer, o Order) error {
	if o.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO orders (id, account_id, symbol, side, type, qty, price, stop_price, time_in_force, status,
			filled_qty, avg_price, parent_id, reservation_id, reason, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			reason = excluded.reason,
			updated_at = excluded.updated_at
	`, o.ID, o.AccountID, o.Symbol, o.Side, o.Type, o.Qty.String(), o.Price.String(), o.StopPrice.String(),
		o.TimeInForce, o.Status, o.FilledQty.String(), o.AvgPrice.String(), o.ParentID, o.ReservationID,
		o.Reason, nullTime(o.ExpiresAt), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// ListOrdersByAccount returns the newest orders of an account.
func (d *Database) ListOrdersByAccount(ctx context.Context, accountID string, limit int) ([]Order, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, side, type, qty, price, stop_price, time_in_force, status,
			filled_qty, avg_price, parent_id, reservation_id, reason, expires_at, created_at, updated_at
		FROM orders WHERE account_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var (
			o                             Order
			qty, price, stop, filled, avg string
			expires                       sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Type, &qty, &price, &stop,
			&o.TimeInForce, &o.Status, &filled, &avg, &o.ParentID, &o.ReservationID, &o.Reason,
			&expires, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Qty, o.Price, o.StopPrice = dec(qty), dec(price), dec(stop)
		o.FilledQty, o.AvgPrice = dec(filled), dec(avg)
		o.ExpiresAt = timePtr(expires)
		out = append(out, o)
	}
	return out, rows.Err()
}

// InsertFill records an execution.
func (d *Database) InsertFill(ctx context.Context, f Fill) error {
	return insertFill(ctx, d.DB, f)
}

func insertFill(ctx context.Context, ex execer, f Fill) error {
	_, err := ex.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (id, order_id, account_id, symbol, side, price, qty, fee, fee_asset, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.OrderID, f.AccountID, f.Symbol, f.Side, f.Price.String(), f.Qty.String(), f.Fee.String(), f.FeeAsset, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListFillsByOrder returns fills of an order in execution order.
func (d *Database) ListFillsByOrder(ctx context.Context, orderID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, order_id, account_id, symbol, side, price, qty, fee, fee_asset, created_at
		FROM fills WHERE order_id = ? ORDER BY created_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []Fill
	for rows.Next() {
		var (
			f               Fill
			price, qty, fee string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.AccountID, &f.Symbol, &f.Side, &price, &qty, &fee, &f.FeeAsset, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Price, f.Qty, f.Fee = dec(price), dec(qty), dec(fee)
		out = append(out, f)
	}
	return out, rows.Err()
}

// WriteHistory upserts orders and inserts fills in one transaction.
func (d *Database) WriteHistory(ctx context.Context, orders []Order, fills []Fill) error {
	if len(orders) == 0 && len(fills) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx: %w", err)
	}
	for _, o := range orders {
		if err := upsertOrder(ctx, tx, o); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, f := range fills {
		if err := insertFill(ctx, tx, f); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history tx: %w", err)
	}
	return nil
}

// ----------------------------------------
// Positions
// ----------------------------------------

// UpsertPosition writes a position row keyed by its id.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	return upsertPosition(ctx, d.DB, p)
}

func upsertPosition(ctx context.Context, ex execer, p Position) error {
	if p.AccountID == "" {
		return ErrAccountIDRequired
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO positions (id, account_id, symbol, qty, avg_price, realized_pnl, status, opened_at, closed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			status = excluded.status,
			closed_at = excluded.closed_at,
			updated_at = excluded.updated_at
	`, p.ID, p.AccountID, p.Symbol, p.Qty.String(), p.AvgPrice.String(), p.RealizedPnL.String(), p.Status,
		p.OpenedAt, nullTime(p.ClosedAt), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// ListPositionsByAccount returns open and closed positions of an account.
func (d *Database) ListPositionsByAccount(ctx context.Context, accountID string) ([]Position, error) {
	if accountID == "" {
		return nil, ErrAccountIDRequired
	}
	return d.queryPositions(ctx, `WHERE account_id = ? ORDER BY opened_at ASC`, accountID)
}

// ListOpenPositions returns every open position, used to seed the ledger.
func (d *Database) ListOpenPositions(ctx context.Context) ([]Position, error) {
	return d.queryPositions(ctx, `WHERE status = 'OPEN' ORDER BY opened_at ASC`)
}

func (d *Database) queryPositions(ctx context.Context, where string, args ...any) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, symbol, qty, avg_price, realized_pnl, status, opened_at, closed_at, updated_at
		FROM positions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var (
			p                  Position
			qty, avg, realized string
			closed             sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Symbol, &qty, &avg, &realized, &p.Status, &p.OpenedAt, &closed, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Qty, p.AvgPrice, p.RealizedPnL = dec(qty), dec(avg), dec(realized)
		p.ClosedAt = timePtr(closed)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Compliance events
// ----------------------------------------

// InsertComplianceEvent appends an audit record.
func (d *Database) InsertComplianceEvent(ctx context.Context, e ComplianceEvent) error {
	evidence, err := json.Marshal(e.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	if e.Status == "" {
		e.Status = "open"
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO compliance_events (id, account_id, order_id, event_type, severity, status, title, description,
			risk_score, evidence, node, created_at, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.OrderID, e.EventType, e.Severity, e.Status, e.Title, e.Description,
		e.RiskScore, string(evidence), e.Node, e.CreatedAt, nullTime(e.ResolvedAt), e.Resolution)
	if err != nil {
		return fmt.Errorf("insert compliance event: %w", err)
	}
	return nil
}

// ListComplianceEvents returns events newest first.
func (d *Database) ListComplianceEvents(ctx context.Context, f ComplianceFilter) ([]ComplianceEvent, error) {
	var (
		conds []string
		args  []any
	)
	if f.AccountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, f.Severity)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, order_id, event_type, severity, status, title, description, risk_score,
			evidence, node, created_at, resolved_at, resolution
		FROM compliance_events `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query compliance events: %w", err)
	}
	defer rows.Close()

	var out []ComplianceEvent
	for rows.Next() {
		var (
			e        ComplianceEvent
			evidence string
			resolved sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrderID, &e.EventType, &e.Severity, &e.Status, &e.Title,
			&e.Description, &e.RiskScore, &evidence, &e.Node, &e.CreatedAt, &resolved, &e.Resolution); err != nil {
			return nil, fmt.Errorf("scan compliance event: %w", err)
		}
		if evidence != "" {
			_ = json.Unmarshal([]byte(evidence), &e.Evidence)
		}
		e.ResolvedAt = timePtr(resolved)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveComplianceEvent closes an open event with resolution notes.
func (d *Database) ResolveComplianceEvent(ctx context.Context, id, notes string, at time.Time) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE compliance_events SET status = 'resolved', resolution = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'
	`, notes, at, id)
	if err != nil {
		return fmt.Errorf("resolve compliance event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ComplianceEventStats counts events by status and severity.
func (d *Database) ComplianceEventStats(ctx context.Context) (ComplianceStats, error) {
	stats := ComplianceStats{ByStatus: map[string]int{}, BySeverity: map[string]int{}}
	rows, err := d.DB.QueryContext(ctx, `SELECT status, severity, COUNT(*) FROM compliance_events GROUP BY status, severity`)
	if err != nil {
		return stats, fmt.Errorf("query compliance stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status, severity string
			n                int
		)
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		stats.ByStatus[status] += n
		stats.BySeverity[severity] += n
	}
	return stats, rows.Err()
}
