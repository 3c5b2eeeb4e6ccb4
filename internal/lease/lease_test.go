package lease

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

func TestAcquireSerializesSameSubject(t *testing.T) {
	g := New()
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.With(context.Background(), 1, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if g.Active() != 0 {
		t.Errorf("expected no active slots after release, got %d", g.Active())
	}
}

func TestDifferentSubjectsDoNotContend(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := g.Acquire(ctx, 2)
	if err != nil {
		t.Fatalf("expected subject 2 to be free: %v", err)
	}
	other()
}

func TestAcquireHonorsContext(t *testing.T) {
	g := New()
	release, _ := g.Acquire(context.Background(), 1)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	release()
	release()
	if g.Active() != 0 {
		t.Errorf("expected slot cleanup, got %d active", g.Active())
	}
}

func TestVerifyInFlight(t *testing.T) {
	s := &review.Subject{ID: 4, Status: review.StatusAIProcessing, CurrentAnalysisID: "rec-2"}
	if err := VerifyInFlight(s, "rec-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyInFlight(s, "rec-1"); !errors.Is(err, review.ErrStale) {
		t.Fatalf("expected ErrStale for superseded record, got %v", err)
	}
	s.Status = review.StatusAdminReviewing
	if err := VerifyInFlight(s, "rec-2"); !errors.Is(err, review.ErrStale) {
		t.Fatalf("expected ErrStale once subject moved on, got %v", err)
	}
}

func TestVerifyVersion(t *testing.T) {
	s := &review.Subject{ID: 4, Version: 5}
	if err := VerifyVersion(s, 0); err != nil {
		t.Errorf("zero expected version should skip check: %v", err)
	}
	if err := VerifyVersion(s, 5); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := VerifyVersion(s, 4); !errors.Is(err, review.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestVerifyExpected(t *testing.T) {
	s := &review.Subject{ID: 4, Version: 5, Status: review.StatusAdminReviewing}
	if err := VerifyExpected(s, 0, ""); !errors.Is(err, review.ErrPreconditionRequired) {
		t.Errorf("expected ErrPreconditionRequired, got %v", err)
	}
	if err := VerifyExpected(s, 0, review.StatusAdminReviewing); err != nil {
		t.Errorf("matching status: %v", err)
	}
	if err := VerifyExpected(s, 5, review.StatusAdminReviewing); err != nil {
		t.Errorf("matching version and status: %v", err)
	}
	if err := VerifyExpected(s, 0, review.StatusSuperAdminReviewing); !errors.Is(err, review.ErrConflict) {
		t.Errorf("status moved on: expected ErrConflict, got %v", err)
	}
	if err := VerifyExpected(s, 4, review.StatusAdminReviewing); !errors.Is(err, review.ErrConflict) {
		t.Errorf("version moved on: expected ErrConflict, got %v", err)
	}
}
