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

// Package orchestrator provides process-level thread control: spawning
// detached child kernels in their own sessions, waiting on thread sets
// across processes, cooperative cancellation for in-process threads and
// signal escalation for detached ones.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/rye/internal/log"
	"github.com/teradata-labs/rye/pkg/harness"
	"github.com/teradata-labs/rye/pkg/registry"
)

// SpawnSpec describes a detached child kernel process.
type SpawnSpec struct {
	ThreadID string
	// Binary is the kernel executable; defaults to the current binary.
	Binary string
	Args   []string
	// Env is the complete child environment. Nothing from the parent
	// process environment is inherited implicitly.
	Env []string
	// LogDir receives spawn.log with the child's combined stdio.
	LogDir string
	// WorkDir is the child's working directory.
	WorkDir string
}

// WaitResult reports the outcome of waiting on a thread set.
type WaitResult struct {
	// Records holds the terminal record of each requested thread's
	// continuation chain, keyed by the requested id.
	Records map[string]*registry.Record
	// AllSucceeded is true when every chain ended in completed.
	AllSucceeded bool
	// TimedOut is true when the deadline expired with threads still
	// active.
	TimedOut bool
}

// localThread is an in-process thread the orchestrator can cancel
// cooperatively and wait on without polling.
type localThread struct {
	harness *harness.Harness
	done    chan struct{}
}

// Orchestrator coordinates thread lifecycles across the in-process
// table and the durable registry.
type Orchestrator struct {
	registry *registry.Registry

	// PollInterval is the registry polling cadence while waiting on
	// detached threads.
	PollInterval time.Duration
	// TermGrace is how long a killed process gets between SIGTERM and
	// SIGKILL.
	TermGrace time.Duration

	mu    sync.Mutex
	local map[string]*localThread
}

// New returns an orchestrator over the registry.
func New(reg *registry.Registry) *Orchestrator {
	return &Orchestrator{
		registry:     reg,
		PollInterval: 500 * time.Millisecond,
		TermGrace:    5 * time.Second,
		local:        make(map[string]*localThread),
	}
}

// TrackLocal registers an in-process thread. The returned function must
// be called when the thread finalizes.
func (o *Orchestrator) TrackLocal(threadID string, h *harness.Harness) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	lt := &localThread{harness: h, done: make(chan struct{})}
	o.local[threadID] = lt
	var once sync.Once
	return func() {
		once.Do(func() { close(lt.done) })
	}
}

// SpawnDetached starts a child kernel in its own session so it survives
// the parent's exit, wires its stdio to spawn.log, records the pid in
// the registry and releases the process handle.
func (o *Orchestrator) SpawnDetached(spec SpawnSpec) (int, error) {
	binary := spec.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to locate kernel binary: %w", err)
		}
		binary = self
	}

	if err := os.MkdirAll(spec.LogDir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create spawn log directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(spec.LogDir, "spawn.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open spawn log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(binary, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.WorkDir
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New session: the child leads its own process group, so killing
	// the group later takes its descendants with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to spawn thread %s: %w", spec.ThreadID, err)
	}
	pid := cmd.Process.Pid
	if err := o.registry.SetPID(spec.ThreadID, pid); err != nil {
		log.Warn("failed to record spawned pid",
			zap.String("thread_id", spec.ThreadID), zap.Int("pid", pid), zap.Error(err))
	}
	if err := cmd.Process.Release(); err != nil {
		log.Warn("failed to release process handle", zap.Int("pid", pid), zap.Error(err))
	}
	log.Info("spawned detached thread",
		zap.String("thread_id", spec.ThreadID), zap.Int("pid", pid))
	return pid, nil
}

// WaitThreads blocks until every requested thread's continuation chain
// reaches a terminal status, or the deadline passes. In-process threads
// complete via their done channels; detached ones are observed through
// registry polling.
func (o *Orchestrator) WaitThreads(ctx context.Context, threadIDs []string, timeout time.Duration) (*WaitResult, error) {
	deadline := time.Now().Add(timeout)
	result := &WaitResult{Records: make(map[string]*registry.Record, len(threadIDs))}

	pending := make(map[string]bool, len(threadIDs))
	for _, id := range threadIDs {
		pending[id] = true
	}

	for len(pending) > 0 {
		for id := range pending {
			rec, err := o.registry.ResolveChain(id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve chain for %s: %w", id, err)
			}
			if registry.IsTerminal(rec.Status) {
				result.Records[id] = rec
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		if timeout > 0 && time.Now().After(deadline) {
			result.TimedOut = true
			for id := range pending {
				if rec, err := o.registry.ResolveChain(id); err == nil {
					result.Records[id] = rec
				}
			}
			break
		}
		if err := o.waitTick(ctx, pending); err != nil {
			return nil, err
		}
	}

	result.AllSucceeded = !result.TimedOut
	for _, rec := range result.Records {
		if rec.Status != registry.StatusCompleted {
			result.AllSucceeded = false
		}
	}
	return result, nil
}

// waitTick sleeps one poll interval, waking early if any pending local
// thread finishes.
func (o *Orchestrator) waitTick(ctx context.Context, pending map[string]bool) error {
	o.mu.Lock()
	var dones []chan struct{}
	for id := range pending {
		if lt, ok := o.local[id]; ok {
			dones = append(dones, lt.done)
		}
	}
	o.mu.Unlock()

	timer := time.NewTimer(o.PollInterval)
	defer timer.Stop()

	if len(dones) > 0 {
		// Waking on the first local completion keeps in-process waits
		// snappy; remaining threads are picked up next iteration.
		select {
		case <-dones[0]:
			return nil
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelThread requests cooperative cancellation of an in-process
// thread; the runner observes the flag at its next turn boundary.
// Detached threads cannot be cancelled cooperatively from here: use
// KillThread.
func (o *Orchestrator) CancelThread(threadID string) error {
	o.mu.Lock()
	lt, ok := o.local[threadID]
	o.mu.Unlock()
	if !ok {
		rec, err := o.registry.GetThread(threadID)
		if err != nil {
			return err
		}
		if rec.PID > 0 {
			return fmt.Errorf("thread %s runs detached (pid %d): cancellation requires KillThread", threadID, rec.PID)
		}
		return fmt.Errorf("thread %s is not running in this process", threadID)
	}
	lt.harness.Cancel()
	log.Info("cancellation requested", zap.String("thread_id", threadID))
	return nil
}

// KillThread terminates a detached thread's process group: SIGTERM
// first, SIGKILL after the grace period if the leader is still alive.
// The record is marked killed regardless of how the process died.
func (o *Orchestrator) KillThread(threadID string) error {
	rec, err := o.registry.GetThread(threadID)
	if err != nil {
		return err
	}
	if registry.IsTerminal(rec.Status) {
		return fmt.Errorf("thread %s already terminal (%s)", threadID, rec.Status)
	}
	if rec.PID <= 0 {
		// In-process thread: cancel cooperatively and mark killed.
		o.mu.Lock()
		lt, ok := o.local[threadID]
		o.mu.Unlock()
		if ok {
			lt.harness.Cancel()
		}
		return o.registry.UpdateStatus(threadID, registry.StatusKilled)
	}

	// Negative pid addresses the whole process group the child leads.
	if err := syscall.Kill(-rec.PID, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("failed to signal thread %s (pid %d): %w", threadID, rec.PID, err)
	}

	deadline := time.Now().Add(o.TermGrace)
	for time.Now().Before(deadline) {
		if !processAlive(rec.PID) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if processAlive(rec.PID) {
		log.Warn("escalating to SIGKILL",
			zap.String("thread_id", threadID), zap.Int("pid", rec.PID))
		if err := syscall.Kill(-rec.PID, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
			return fmt.Errorf("failed to kill thread %s (pid %d): %w", threadID, rec.PID, err)
		}
	}
	return o.registry.UpdateStatus(threadID, registry.StatusKilled)
}

// processAlive probes a pid with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// ResolveThreadChain returns the terminal record of a continuation
// chain.
func (o *Orchestrator) ResolveThreadChain(threadID string) (*registry.Record, error) {
	return o.registry.ResolveChain(threadID)
}

// ResumableThread validates that a thread can be resumed: its chain tip
// must be terminal but not killed. Killed threads stay dead; their
// transcripts may end anywhere.
func (o *Orchestrator) ResumableThread(threadID string) (*registry.Record, error) {
	rec, err := o.registry.ResolveChain(threadID)
	if err != nil {
		return nil, err
	}
	if !registry.IsTerminal(rec.Status) {
		return nil, fmt.Errorf("thread %s is still %s: only terminal threads can be resumed", rec.ThreadID, rec.Status)
	}
	if rec.Status == registry.StatusKilled {
		return nil, fmt.Errorf("thread %s was killed and cannot be resumed", rec.ThreadID)
	}
	return rec, nil
}
