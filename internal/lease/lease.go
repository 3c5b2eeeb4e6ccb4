// Package lease serializes transitions per subject and detects work that a
// newer transition has superseded.
package lease

import (
	"context"
	"fmt"
	"sync"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Guard hands out exclusive per-subject leases. Leases for different subjects
// never contend.
type Guard struct {
	mu    sync.Mutex
	slots map[int64]*slot
}

type slot struct {
	held chan struct{}
	refs int
}

// New creates an empty guard.
func New() *Guard {
	return &Guard{slots: make(map[int64]*slot)}
}

// Acquire blocks until the lease for subjectID is free or ctx is done.
// The returned release func is safe to call more than once.
func (g *Guard) Acquire(ctx context.Context, subjectID int64) (func(), error) {
	g.mu.Lock()
	s, ok := g.slots[subjectID]
	if !ok {
		s = &slot{held: make(chan struct{}, 1)}
		g.slots[subjectID] = s
	}
	s.refs++
	g.mu.Unlock()

	select {
	case s.held <- struct{}{}:
	case <-ctx.Done():
		g.drop(subjectID, s)
		return nil, fmt.Errorf("acquiring lease for subject %d: %w", subjectID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.held
			g.drop(subjectID, s)
		})
	}, nil
}

// With runs fn while holding the lease for subjectID.
func (g *Guard) With(ctx context.Context, subjectID int64, fn func() error) error {
	release, err := g.Acquire(ctx, subjectID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Active returns how many subjects currently have a holder or waiter.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

func (g *Guard) drop(subjectID int64, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, subjectID)
	}
}

// VerifyVersion fails with review.ErrConflict when expected is set and the
// loaded subject has moved past it.
func VerifyVersion(s *review.Subject, expected int64) error {
	if expected != 0 && s.Version != expected {
		return fmt.Errorf("%w: subject %d is at version %d, expected %d",
			review.ErrConflict, s.ID, s.Version, expected)
	}
	return nil
}

// VerifyExpected checks a human command against the state the caller acted
// on. At least one of version and status must be set; a subject that has
// moved to another version or status fails with review.ErrConflict.
func VerifyExpected(s *review.Subject, version int64, status review.Status) error {
	if version == 0 && status == "" {
		return review.ErrPreconditionRequired
	}
	if err := VerifyVersion(s, version); err != nil {
		return err
	}
	if status != "" && s.Status != status {
		return fmt.Errorf("%w: subject %d is %s, expected %s", review.ErrConflict, s.ID, s.Status, status)
	}
	return nil
}

// VerifyInFlight fails with review.ErrStale unless recordID is the subject's
// current in-flight analysis.
func VerifyInFlight(s *review.Subject, recordID string) error {
	if s.Status != review.StatusAIProcessing {
		return fmt.Errorf("%w: subject %d is %s", review.ErrStale, s.ID, s.Status)
	}
	if s.CurrentAnalysisID != recordID {
		return fmt.Errorf("%w: subject %d tracks analysis %s, not %s",
			review.ErrStale, s.ID, s.CurrentAnalysisID, recordID)
	}
	return nil
}
