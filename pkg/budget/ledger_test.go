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

package budget

import (
	"path/filepath"
	"testing"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRegisterAndRemaining(t *testing.T) {
	l := newLedger(t)
	if err := l.Register("t-root", 1.0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := l.GetRemaining("t-root"); got != 1.0 {
		t.Errorf("remaining = %v, want 1.0", got)
	}
	// Idempotent re-register.
	if err := l.Register("t-root", 1.0); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
}

func TestCascadeScenario(t *testing.T) {
	l := newLedger(t)
	if err := l.Register("P", 1.0); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("C1", 0.4, "P"); err != nil {
		t.Fatalf("reserve C1: %v", err)
	}
	if err := l.Reserve("C2", 0.5, "P"); err != nil {
		t.Fatalf("reserve C2: %v", err)
	}

	// C2 overspends: clamped to its reservation.
	excess, err := l.ReportActual("C2", 0.6)
	if err != nil {
		t.Fatalf("ReportActual: %v", err)
	}
	if excess < 0.0999 || excess > 0.1001 {
		t.Errorf("overspend excess = %v, want 0.1", excess)
	}
	c2, _ := l.Get("C2")
	if c2.Actual != 0.5 {
		t.Errorf("C2 actual = %v, want clamp to 0.5", c2.Actual)
	}

	// Cascade clamped spend to parent and release C2.
	if err := l.CascadeSpend("C2", "P", c2.Actual); err != nil {
		t.Fatalf("CascadeSpend: %v", err)
	}
	if err := l.Release("C2", "completed"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	p, _ := l.Get("P")
	if p.Actual != 0.5 {
		t.Errorf("P actual = %v, want 0.5", p.Actual)
	}
	if got := l.GetRemaining("P"); got != 0.5 {
		t.Errorf("P remaining = %v, want 0.5", got)
	}

	// C3 cannot reserve more than what is left (0.5 actual spent,
	// 0.4 still reserved by active C1).
	err = l.Reserve("C3", 0.6, "P")
	if err == nil {
		t.Fatal("expected insufficient budget")
	}
	if _, ok := err.(*InsufficientError); !ok {
		t.Errorf("expected *InsufficientError, got %T: %v", err, err)
	}
}

func TestReserveIdempotent(t *testing.T) {
	l := newLedger(t)
	if err := l.Register("P", 1.0); err != nil {
		t.Fatal(err)
	}
	if err := l.Reserve("C", 0.4, "P"); err != nil {
		t.Fatal(err)
	}
	// Retry with identical arguments: no double accounting.
	if err := l.Reserve("C", 0.4, "P"); err != nil {
		t.Fatalf("idempotent retry failed: %v", err)
	}
	c, err := l.Get("C")
	if err != nil {
		t.Fatal(err)
	}
	if c.Reserved != 0.4 {
		t.Errorf("C reserved = %v after retry", c.Reserved)
	}
	// Retry with a different amount is rejected.
	if err := l.Reserve("C", 0.5, "P"); err == nil {
		t.Error("expected rejection of conflicting reservation")
	}
}

func TestActualNeverExceedsReserved(t *testing.T) {
	l := newLedger(t)
	if err := l.Register("T", 0.2); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.ReportActual("T", 0.1); err != nil {
			t.Fatal(err)
		}
	}
	e, _ := l.Get("T")
	if e.Actual > e.Reserved {
		t.Errorf("invariant violated: actual %v > reserved %v", e.Actual, e.Reserved)
	}
}

func TestReleaseRemainingUnavailable(t *testing.T) {
	l := newLedger(t)
	if err := l.Register("T", 1.0); err != nil {
		t.Fatal(err)
	}
	if err := l.Release("T", "cancelled"); err != nil {
		t.Fatal(err)
	}
	if got := l.GetRemaining("T"); got != 0 {
		t.Errorf("released entry remaining = %v, want 0", got)
	}
}

func TestReserveFromMissingParent(t *testing.T) {
	l := newLedger(t)
	err := l.Reserve("C", 0.1, "ghost")
	if err == nil {
		t.Fatal("expected error reserving from missing parent")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("expected *NotFoundError, got %T", err)
	}
}
