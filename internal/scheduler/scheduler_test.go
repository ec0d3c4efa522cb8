package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"attwatch/pkg/logx"
)

func TestAddIntervalUpsertsByName(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	job := func(context.Context) error { return nil }

	if err := s.AddInterval("poll.active", time.Minute, 0, job); err != nil {
		t.Fatalf("AddInterval: %v", err)
	}
	if err := s.AddInterval("poll.active", 2*time.Minute, 0, job); err != nil {
		t.Fatalf("AddInterval (replace): %v", err)
	}
	if len(s.defs) != 1 {
		t.Fatalf("expected 1 trigger after upsert, got %d", len(s.defs))
	}
	if s.defs[0].spec != "@every 2m0s" {
		t.Fatalf("spec = %q, want the replacement interval", s.defs[0].spec)
	}
}

func TestAddIntervalRejectsBadInput(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	if err := s.AddInterval("", time.Minute, 0, nil); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddInterval("x", 0, 0, nil); err == nil {
		t.Fatal("expected error for zero interval")
	}
}

func TestAddOnceElapsedFiresImmediately(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	fired := make(chan struct{})
	err := s.AddOnce("notify.x", time.Now().Add(-time.Minute), 0, func(context.Context) error {
		close(fired)
		return nil
	})
	if err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("elapsed one-shot never fired")
	}
}

func TestAddOnceReplacedTimerDoesNotFireTwice(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var fires atomic.Int32
	job := func(context.Context) error {
		fires.Add(1)
		return nil
	}
	if err := s.AddOnce("notify.x", time.Now().Add(50*time.Millisecond), 0, job); err != nil {
		t.Fatalf("AddOnce: %v", err)
	}
	// Replace before the first can fire.
	if err := s.AddOnce("notify.x", time.Now().Add(100*time.Millisecond), 0, job); err != nil {
		t.Fatalf("AddOnce (replace): %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if n := fires.Load(); n != 1 {
		t.Fatalf("fired %d times, want exactly 1", n)
	}
}

func TestRemoveStopsOneShot(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var fires atomic.Int32
	_ = s.AddOnce("notify.x", time.Now().Add(50*time.Millisecond), 0, func(context.Context) error {
		fires.Add(1)
		return nil
	})
	if !s.Remove("notify.x") {
		t.Fatal("Remove reported nothing removed")
	}
	time.Sleep(300 * time.Millisecond)
	if fires.Load() != 0 {
		t.Fatal("removed one-shot still fired")
	}
}
