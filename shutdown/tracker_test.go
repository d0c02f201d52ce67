package shutdown

import (
	"errors"
	"testing"
	"time"
)

func TestOperationTracker(t *testing.T) {
	tr := NewOperationTracker()

	if !tr.Start() || !tr.Start() {
		t.Fatal("Start() rejected on an open tracker")
	}
	if tr.ActiveCount() != 2 {
		t.Errorf("ActiveCount() = %d, want 2", tr.ActiveCount())
	}

	tr.Close()
	if tr.Start() {
		t.Error("Start() accepted after Close")
	}
	if !tr.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	if err := tr.Wait(10 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() = %v, want ErrWaitTimeout with operations running", err)
	}

	tr.Done()
	go func() {
		time.Sleep(5 * time.Millisecond)
		tr.Done()
	}()
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait() = %v after all Done", err)
	}
	if tr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d, want 0", tr.ActiveCount())
	}
}

func TestSignalCounter(t *testing.T) {
	forced := 0
	c := NewSignalCounter(2, func() { forced++ })

	if c.Increment() != 1 || forced != 0 {
		t.Error("first signal should not force")
	}
	if c.Increment() != 2 || forced != 1 {
		t.Errorf("second signal: forced = %d, want 1", forced)
	}
	if c.Count() != 2 {
		t.Errorf("Count() = %d, want 2", c.Count())
	}

	NewSignalCounter(1, nil).Increment()
}
