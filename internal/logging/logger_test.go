package logging

import (
	"sync"
	"testing"
)

func TestHistoryCapsAtMaxHistory(t *testing.T) {
	l := New()
	l.maxHistory = 3
	for i := 0; i < 5; i++ {
		l.Info("entry %d", i)
	}

	h := l.History()
	if len(h) != 3 {
		t.Fatalf("len(History()) = %d, want 3", len(h))
	}
	if h[0].Message != "entry 2" || h[2].Message != "entry 4" {
		t.Errorf("History = %+v, want the 3 most recent entries in order", h)
	}
}

func TestDebugSuppressedUnlessEnabled(t *testing.T) {
	l := New()
	l.Debug("hidden")
	if len(l.History()) != 0 {
		t.Error("Debug() must be a no-op while debug mode is off")
	}

	l.SetDebug(true)
	l.Debug("visible")
	if len(l.History()) != 1 {
		t.Error("Debug() must log once debug mode is enabled")
	}
}

func TestListenersReceiveEveryEntry(t *testing.T) {
	l := New()
	var mu sync.Mutex
	var seen []string
	l.AddListener(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Message)
	})

	l.Info("hello")
	l.Warn("world")

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "hello" || seen[1] != "world" {
		t.Errorf("listener saw %+v", seen)
	}
}

func TestHistoryReturnsACopy(t *testing.T) {
	l := New()
	l.Info("one")

	h := l.History()
	h[0].Message = "mutated"

	again := l.History()
	if again[0].Message != "one" {
		t.Error("History must return a defensive copy")
	}
}

func TestGlobalIsASingleton(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() must return the same Logger instance every call")
	}
}
