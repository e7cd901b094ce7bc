package pump

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically as Step is called,
// rather than sleeping for real seconds to exercise the 15-second deadline.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRunHappyPath(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	steps := 0
	p := New(FuncScheduler(func() { steps++ }), clock.now)

	issued := false
	done := false
	err := p.Run(
		func() bool { return true }, // window ready immediately
		func() error { return nil },
		func() error { issued = true; done = true; return nil },
		func() (bool, error) { return done, nil },
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !issued {
		t.Fatalf("issue was never called")
	}
	if steps != 0 {
		t.Fatalf("scheduler stepped %d times on a path with no waiting", steps)
	}
}

func TestRunBusyWhileActive(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := New(FuncScheduler(func() {}), clock.now)

	// Simulate re-entrancy by calling Run from within issue.
	var innerErr error
	err := p.Run(
		func() bool { return true },
		func() error { return nil },
		func() error {
			innerErr = p.Run(
				func() bool { return true },
				func() error { return nil },
				func() error { return nil },
				func() (bool, error) { return true, nil },
			)
			return nil
		},
		func() (bool, error) { return true, nil },
	)
	if err != nil {
		t.Fatalf("outer Run: %v", err)
	}
	if innerErr != ErrBusy {
		t.Fatalf("inner Run = %v, want ErrBusy", innerErr)
	}
}

func TestRunTimesOutWaitingForWindow(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := New(FuncScheduler(func() { clock.advance(time.Second) }), clock.now)

	err := p.Run(
		func() bool { return false }, // window never opens
		func() error { return nil },
		func() error { t.Fatalf("issue should not be called"); return nil },
		func() (bool, error) { return true, nil },
	)
	if err != ErrTimedOut {
		t.Fatalf("Run = %v, want ErrTimedOut", err)
	}
}

func TestRunTimesOutWaitingForCompletion(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := New(FuncScheduler(func() { clock.advance(time.Second) }), clock.now)

	err := p.Run(
		func() bool { return true },
		func() error { return nil },
		func() error { return nil },
		func() (bool, error) { return false, nil }, // never completes
	)
	if err != ErrTimedOut {
		t.Fatalf("Run = %v, want ErrTimedOut", err)
	}
}

func TestRunPropagatesLatchedBlockError(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	wantErr := errors.New("device gone")
	p := New(FuncScheduler(func() {}), clock.now)

	err := p.Run(
		func() bool { return false },
		func() error { return wantErr },
		func() error { t.Fatalf("issue should not be called"); return nil },
		func() (bool, error) { return true, nil },
	)
	if err != wantErr {
		t.Fatalf("Run = %v, want %v", err, wantErr)
	}
}

func TestRunPropagatesIssueFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	wantErr := errors.New("issue failed")
	p := New(FuncScheduler(func() {}), clock.now)

	err := p.Run(
		func() bool { return true },
		func() error { return nil },
		func() error { return wantErr },
		func() (bool, error) { t.Fatalf("isDone should not be called"); return false, nil },
	)
	if err != wantErr {
		t.Fatalf("Run = %v, want %v", err, wantErr)
	}
}
