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

// Package registry is the durable store of thread records: the source of
// truth for thread status across processes. Records link continuation
// chains (handoffs and resumes) and the parent/child spawn tree by id
// reference, never by pointer.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/teradata-labs/rye/internal/sqlitedriver"
)

// Thread statuses.
const (
	StatusCreated   = "created"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusContinued = "continued"
	StatusKilled    = "killed"
)

// validTransitions encodes the status lifecycle. continued is
// terminal-with-successor; killed is terminal and set externally.
var validTransitions = map[string][]string{
	StatusCreated: {StatusRunning, StatusError, StatusCancelled, StatusKilled},
	StatusRunning: {StatusCompleted, StatusError, StatusCancelled, StatusContinued, StatusKilled},
}

// IsTerminal reports whether status admits no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusCancelled, StatusContinued, StatusKilled:
		return true
	}
	return false
}

// Record is one durable thread record.
type Record struct {
	ThreadID    string
	DirectiveID string
	ParentID    string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time

	// PermissionContext is the serialized capability token.
	PermissionContext string

	// CostBudget and TotalUsage are serialized JSON snapshots.
	CostBudget string
	TotalUsage string

	// ResultText is the final assistant output, set on completion.
	ResultText string

	// PID is the detached child's process id, 0 for in-process threads.
	PID int

	// Continuation linkage.
	ContinuationThreadID string
	ChainRootID          string
	PreviousThreadID     string
}

// NotFoundError reports a missing thread record.
type NotFoundError struct {
	ThreadID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("thread %s not found in registry", e.ThreadID)
}

// TransitionError reports an invalid status transition.
type TransitionError struct {
	ThreadID string
	From     string
	To       string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %s: %s -> %s", e.ThreadID, e.From, e.To)
}

// ChainError reports a broken or cyclic continuation chain.
type ChainError struct {
	ThreadID string
	Reason   string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("continuation chain error at %s: %s", e.ThreadID, e.Reason)
}

// Registry is the durable thread record store.
type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if necessary) a registry at dbPath.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open thread registry: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
	}
	return r, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		directive_id TEXT NOT NULL,
		parent_id TEXT,
		status TEXT NOT NULL DEFAULT 'created',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER,
		permission_context TEXT,
		cost_budget TEXT,
		total_usage TEXT,
		result_text TEXT,
		pid INTEGER DEFAULT 0,
		continuation_thread_id TEXT,
		chain_root_id TEXT,
		previous_thread_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_threads_parent ON threads(parent_id);
	CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register inserts a new thread record in status created.
func (r *Registry) Register(rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO threads (thread_id, directive_id, parent_id, status, created_at, updated_at,
			permission_context, cost_budget, total_usage, pid, chain_root_id, previous_thread_id)
		VALUES (?, ?, ?, 'created', ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ThreadID, rec.DirectiveID, nullable(rec.ParentID), now, now,
		rec.PermissionContext, rec.CostBudget, rec.TotalUsage, rec.PID,
		nullable(rec.ChainRootID), nullable(rec.PreviousThreadID))
	if err != nil {
		return fmt.Errorf("failed to register thread %s: %w", rec.ThreadID, err)
	}
	return nil
}

// UpdateStatus transitions a thread's status, enforcing the lifecycle.
// Terminal records are immutable except for the continuation link.
func (r *Registry) UpdateStatus(threadID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.getLocked(threadID)
	if err != nil {
		return err
	}
	if !transitionAllowed(current.Status, status) {
		return &TransitionError{ThreadID: threadID, From: current.Status, To: status}
	}
	now := time.Now().Unix()
	if IsTerminal(status) {
		_, err = r.db.Exec(`UPDATE threads SET status = ?, updated_at = ?, completed_at = ? WHERE thread_id = ?`,
			status, now, now, threadID)
	} else {
		_, err = r.db.Exec(`UPDATE threads SET status = ?, updated_at = ? WHERE thread_id = ?`,
			status, now, threadID)
	}
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", threadID, err)
	}
	return nil
}

func transitionAllowed(from, to string) bool {
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SetResult stores the final result text and usage snapshot.
func (r *Registry) SetResult(threadID, resultText, totalUsage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE threads SET result_text = ?, total_usage = ?, updated_at = ? WHERE thread_id = ?`,
		resultText, totalUsage, time.Now().Unix(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set result for %s: %w", threadID, err)
	}
	return nil
}

// SetPID records the detached child's process id.
func (r *Registry) SetPID(threadID string, pid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE threads SET pid = ?, updated_at = ? WHERE thread_id = ?`,
		pid, time.Now().Unix(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set pid for %s: %w", threadID, err)
	}
	return nil
}

// SetContinuation links a continued thread to its successor. This is the
// one mutation allowed on a terminal record.
func (r *Registry) SetContinuation(fromID, toID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.getLocked(fromID); err != nil {
		return err
	}
	_, err := r.db.Exec(`UPDATE threads SET continuation_thread_id = ?, updated_at = ? WHERE thread_id = ?`,
		toID, time.Now().Unix(), fromID)
	if err != nil {
		return fmt.Errorf("failed to link continuation %s -> %s: %w", fromID, toID, err)
	}
	return nil
}

// SetChainInfo records a thread's chain root and predecessor.
func (r *Registry) SetChainInfo(threadID, rootID, prevID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(`UPDATE threads SET chain_root_id = ?, previous_thread_id = ?, updated_at = ? WHERE thread_id = ?`,
		nullable(rootID), nullable(prevID), time.Now().Unix(), threadID)
	if err != nil {
		return fmt.Errorf("failed to set chain info for %s: %w", threadID, err)
	}
	return nil
}

// GetThread returns the record for a thread id.
func (r *Registry) GetThread(threadID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(threadID)
}

func (r *Registry) getLocked(threadID string) (*Record, error) {
	row := r.db.QueryRow(selectColumns+` WHERE thread_id = ?`, threadID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{ThreadID: threadID}
	}
	return rec, err
}

// GetChain walks continuation links from threadID to the terminal thread
// of its chain, returning every record along the way. Cycles stop at the
// first revisited id.
func (r *Registry) GetChain(threadID string) ([]*Record, error) {
	visited := make(map[string]bool)
	var chain []*Record
	current := threadID
	for current != "" {
		if visited[current] {
			break
		}
		visited[current] = true
		rec, err := r.GetThread(current)
		if err != nil {
			if len(chain) > 0 {
				return chain, &ChainError{ThreadID: current, Reason: "broken link"}
			}
			return nil, err
		}
		chain = append(chain, rec)
		current = rec.ContinuationThreadID
	}
	return chain, nil
}

// ResolveChain returns the terminal record of threadID's continuation
// chain, following links with cycle detection.
func (r *Registry) ResolveChain(threadID string) (*Record, error) {
	chain, err := r.GetChain(threadID)
	if err != nil {
		return nil, err
	}
	return chain[len(chain)-1], nil
}

// ListActive returns all records whose status is created or running.
func (r *Registry) ListActive() ([]*Record, error) {
	return r.query(selectColumns + ` WHERE status IN ('created', 'running') ORDER BY created_at`)
}

// ListChildren returns all records spawned by parentID.
func (r *Registry) ListChildren(parentID string) ([]*Record, error) {
	return r.query(selectColumns+` WHERE parent_id = ? ORDER BY created_at`, parentID)
}

const selectColumns = `
	SELECT thread_id, directive_id, parent_id, status, created_at, updated_at, completed_at,
		permission_context, cost_budget, total_usage, result_text, pid,
		continuation_thread_id, chain_root_id, previous_thread_id
	FROM threads`

func (r *Registry) query(query string, args ...interface{}) ([]*Record, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var parent, permCtx, costBudget, totalUsage, resultText, contID, chainRoot, prevID sql.NullString
	var completedAt sql.NullInt64
	var created, updated int64
	var pid sql.NullInt64
	err := row.Scan(&rec.ThreadID, &rec.DirectiveID, &parent, &rec.Status, &created, &updated, &completedAt,
		&permCtx, &costBudget, &totalUsage, &resultText, &pid, &contID, &chainRoot, &prevID)
	if err != nil {
		return nil, err
	}
	rec.ParentID = parent.String
	rec.PermissionContext = permCtx.String
	rec.CostBudget = costBudget.String
	rec.TotalUsage = totalUsage.String
	rec.ResultText = resultText.String
	rec.PID = int(pid.Int64)
	rec.ContinuationThreadID = contID.String
	rec.ChainRootID = chainRoot.String
	rec.PreviousThreadID = prevID.String
	rec.CreatedAt = time.Unix(created, 0)
	rec.UpdatedAt = time.Unix(updated, 0)
	if completedAt.Valid {
		rec.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
