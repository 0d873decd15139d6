// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package budget implements the durable parent/child cost ledger.
//
// Every thread gets a ledger entry; children reserve spend out of their
// parent's remaining budget, report actual spend clamped to the
// reservation, and cascade spend upward on finalization. Writes are
// serialized per ledger (single-writer discipline) and reservations are
// idempotent on same-id retries.
package budget

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/teradata-labs/rye/internal/sqlitedriver"
)

// Entry statuses.
const (
	StatusActive   = "active"
	StatusReleased = "released"
)

// Entry is one ledger row.
type Entry struct {
	ThreadID       string
	ParentThreadID string
	Reserved       float64
	Actual         float64
	MaxSpend       float64
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Remaining returns reserved minus actual for active entries, else 0.
func (e *Entry) Remaining() float64 {
	if e.Status != StatusActive {
		return 0
	}
	if r := e.Reserved - e.Actual; r > 0 {
		return r
	}
	return 0
}

// InsufficientError reports a reservation that exceeds the parent's
// remaining budget.
type InsufficientError struct {
	ParentID  string
	Requested float64
	Remaining float64
}

func (e *InsufficientError) Error() string {
	return fmt.Sprintf("insufficient budget on %s: requested %.4f, remaining %.4f",
		e.ParentID, e.Requested, e.Remaining)
}

// NotFoundError reports a missing ledger entry.
type NotFoundError struct {
	ThreadID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no budget entry for thread %s", e.ThreadID)
}

// Ledger is the durable budget store. All operations are atomic; writes
// are serialized through a mutex plus SQLite's own transaction semantics
// so concurrent reserves on the same parent are first-commit-wins.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a ledger at dbPath.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open budget ledger: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return l, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS budget_entries (
		thread_id TEXT PRIMARY KEY,
		parent_thread_id TEXT,
		reserved REAL NOT NULL,
		actual REAL NOT NULL DEFAULT 0,
		max_spend REAL NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_budget_parent ON budget_entries(parent_thread_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Register creates an active root entry reserving maxSpend.
// Idempotent: re-registering an existing thread id is a no-op.
func (l *Ledger) Register(threadID string, maxSpend float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().Unix()
	_, err := l.db.Exec(`
		INSERT INTO budget_entries (thread_id, parent_thread_id, reserved, actual, max_spend, status, created_at, updated_at)
		VALUES (?, NULL, ?, 0, ?, 'active', ?, ?)
		ON CONFLICT(thread_id) DO NOTHING`,
		threadID, maxSpend, maxSpend, now, now)
	if err != nil {
		return fmt.Errorf("failed to register budget entry: %w", err)
	}
	return nil
}

// Reserve carves amount out of the parent's remaining budget for childID.
// Fails with *InsufficientError when parent.remaining < amount. The
// parent's reservation is preserved; the child's entry tracks its own.
// Idempotent: a retry with the same (childID, amount, parentID) that
// already committed does not double-account.
func (l *Ledger) Reserve(childID string, amount float64, parentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reserve transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: if the child entry already exists with the same shape,
	// treat the retry as committed.
	var existingReserved float64
	var existingParent sql.NullString
	err = tx.QueryRow(`SELECT reserved, parent_thread_id FROM budget_entries WHERE thread_id = ?`, childID).
		Scan(&existingReserved, &existingParent)
	if err == nil {
		if existingReserved == amount && existingParent.Valid && existingParent.String == parentID {
			return nil
		}
		return fmt.Errorf("budget entry for %s already exists with different reservation", childID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing reservation: %w", err)
	}

	parent, err := getEntryTx(tx, parentID)
	if err != nil {
		return err
	}

	// A child reservation consumes parent budget the same way spend does:
	// remaining accounts for both actual spend and outstanding child
	// reservations.
	var childReserved float64
	if err := tx.QueryRow(`
		SELECT COALESCE(SUM(reserved), 0) FROM budget_entries
		WHERE parent_thread_id = ? AND status = 'active'`, parentID).Scan(&childReserved); err != nil {
		return fmt.Errorf("failed to sum child reservations: %w", err)
	}
	remaining := parent.Reserved - parent.Actual - childReserved
	if remaining < amount {
		return &InsufficientError{ParentID: parentID, Requested: amount, Remaining: remaining}
	}

	now := time.Now().Unix()
	if _, err := tx.Exec(`
		INSERT INTO budget_entries (thread_id, parent_thread_id, reserved, actual, max_spend, status, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, 'active', ?, ?)`,
		childID, parentID, amount, amount, now, now); err != nil {
		return fmt.Errorf("failed to insert child reservation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}
	return nil
}

// ReportActual adds amount to the entry's actual spend, clamped to the
// reservation. Returns the overspend excess (>= 0) that was clamped away.
func (l *Ledger) ReportActual(threadID string, amount float64) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin report transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := getEntryTx(tx, threadID)
	if err != nil {
		return 0, err
	}
	newActual := entry.Actual + amount
	excess := 0.0
	if newActual > entry.Reserved {
		excess = newActual - entry.Reserved
		newActual = entry.Reserved
	}
	if _, err := tx.Exec(`UPDATE budget_entries SET actual = ?, updated_at = ? WHERE thread_id = ?`,
		newActual, time.Now().Unix(), threadID); err != nil {
		return 0, fmt.Errorf("failed to update actual spend: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit spend report: %w", err)
	}
	return excess, nil
}

// CascadeSpend adds a finalized child's spend to the parent's actual,
// clamped independently. Called during child finalization after the
// child reports. Walks exactly one level; callers cascade further by
// walking ancestor ids.
func (l *Ledger) CascadeSpend(childID, parentID string, amount float64) error {
	_, err := l.ReportActual(parentID, amount)
	if err != nil {
		return fmt.Errorf("failed to cascade spend from %s to %s: %w", childID, parentID, err)
	}
	return nil
}

// Release marks the entry released; the remaining reservation becomes
// unavailable. Idempotent.
func (l *Ledger) Release(threadID, finalStatus string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`UPDATE budget_entries SET status = 'released', updated_at = ? WHERE thread_id = ?`,
		time.Now().Unix(), threadID)
	if err != nil {
		return fmt.Errorf("failed to release budget entry: %w", err)
	}
	_ = finalStatus // recorded by the registry; the ledger only tracks availability
	return nil
}

// GetRemaining returns reserved minus actual for an active entry, 0 for
// released or missing entries.
func (l *Ledger) GetRemaining(threadID string) float64 {
	entry, err := l.Get(threadID)
	if err != nil {
		return 0
	}
	return entry.Remaining()
}

// Get returns the ledger entry for a thread.
func (l *Ledger) Get(threadID string) (*Entry, error) {
	row := l.db.QueryRow(`
		SELECT thread_id, parent_thread_id, reserved, actual, max_spend, status, created_at, updated_at
		FROM budget_entries WHERE thread_id = ?`, threadID)
	return scanEntry(row, threadID)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner, threadID string) (*Entry, error) {
	var e Entry
	var parent sql.NullString
	var created, updated int64
	err := row.Scan(&e.ThreadID, &parent, &e.Reserved, &e.Actual, &e.MaxSpend, &e.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ThreadID: threadID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan budget entry: %w", err)
	}
	e.ParentThreadID = parent.String
	e.CreatedAt = time.Unix(created, 0)
	e.UpdatedAt = time.Unix(updated, 0)
	return &e, nil
}

func getEntryTx(tx *sql.Tx, threadID string) (*Entry, error) {
	row := tx.QueryRow(`
		SELECT thread_id, parent_thread_id, reserved, actual, max_spend, status, created_at, updated_at
		FROM budget_entries WHERE thread_id = ?`, threadID)
	return scanEntry(row, threadID)
}
