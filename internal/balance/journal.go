package balance

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-core/pkg/logger"
)

// Record ops written to the journal.
const (
	OpLock     = "lock"
	OpUnlock   = "unlock"
	OpSettle   = "settle"
	OpDeposit  = "deposit"
	OpWithdraw = "withdraw"
	OpHalt     = "halt"
	OpResume   = "resume"
	OpSnapshot = "snapshot"
)

// Record is one durable ledger operation.
type Record struct {
	Op      string          `json:"op"`
	Account string          `json:"account"`
	Asset   string          `json:"asset,omitempty"`
	Amount  decimal.Decimal `json:"amount"`

	// settle
	CreditAsset  string          `json:"credit_asset,omitempty"`
	CreditAmount decimal.Decimal `json:"credit_amount"`
	Fee          decimal.Decimal `json:"fee"`

	// snapshot
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`

	// Ref ties lock, unlock and settle records to the reservation they
	// belong to; OrderID names the filled order of a settle.
	Ref     string `json:"ref,omitempty"`
	OrderID string `json:"order_id,omitempty"`

	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Journal makes ledger operations durable. Append must not return before the
// record is on stable storage.
type Journal interface {
	Append(rec Record) error
	Replay(fn func(Record) error) error
	Compact(records []Record) error
	Close() error
}

// rename is swapped in tests.
var rename = os.Rename

// FileJournal is an append-only JSON-lines write-ahead log, fsynced on every
// append.
type FileJournal struct {
	path string
	mu   sync.Mutex
	file *os.File
	log  *zap.Logger

	written atomic.Uint64
	skipped atomic.Uint64
}

// OpenFileJournal opens (or creates) dir/ledger.wal.
func OpenFileJournal(dir string, log *zap.Logger) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	path := filepath.Join(dir, "ledger.wal")
	j := &FileJournal{path: path, log: logger.OrNop(log)}
	if err := j.reopen(); err != nil {
		return nil, err
	}
	return j, nil
}

// reopen opens the journal file for appending. Callers hold j.mu or own j.
func (j *FileJournal) reopen() error {
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		j.file = nil
		return fmt.Errorf("open journal: %w", err)
	}
	j.file = f
	return nil
}

// Append writes rec and fsyncs.
func (j *FileJournal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.written.Add(1)
	return nil
}

// Replay calls fn for every record in file order. Unparseable lines (a torn
// final write) are skipped and logged.
func (j *FileJournal) Replay(fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			j.skipped.Add(1)
			j.log.Warn("journal parse error, skipping", zap.Int("line", line), zap.Error(err))
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("journal scan: %w", err)
	}
	return nil
}

// Compact atomically replaces the journal with records.
func (j *FileJournal) Compact(records []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tmpPath := j.path + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
	if err := rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		// The old journal is still in place; keep appending to it.
		if rerr := j.reopen(); rerr != nil {
			return fmt.Errorf("compact journal: %w (%v)", err, rerr)
		}
		return fmt.Errorf("compact journal: %w", err)
	}
	if err := j.reopen(); err != nil {
		return err
	}
	j.log.Info("journal compacted", zap.Int("records", len(records)))
	return nil
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Written returns the number of records appended since open.
func (j *FileJournal) Written() uint64 { return j.written.Load() }
