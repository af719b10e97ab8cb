package network

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestZeroValueReportsExcellent(t *testing.T) {
	var m ManualMonitor
	if m.Quality() != Excellent || !m.Online() {
		t.Fatalf("zero value: quality=%s online=%v", m.Quality(), m.Online())
	}
}

func TestQualityTransitions(t *testing.T) {
	m := NewManualMonitor(Good)
	if m.Quality() != Good {
		t.Fatalf("quality = %s", m.Quality())
	}

	m.SetQuality(Offline)
	if m.Online() {
		t.Fatal("online while offline")
	}
	m.SetQuality(Poor)
	if !m.Online() || m.Quality() != Poor {
		t.Fatalf("quality = %s online=%v", m.Quality(), m.Online())
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	m := NewManualMonitor(Good)

	var seen []Quality
	m.Subscribe(func(q Quality) { seen = append(seen, q) })

	m.SetQuality(Offline)
	m.SetQuality(Offline) // not a transition
	m.SetQuality(Poor)

	want := []Quality{Offline, Poor}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for i, q := range want {
		if seen[i] != q {
			t.Fatalf("observed %v, want %v", seen, want)
		}
	}
}

func TestAwaitOnlineReturnsImmediatelyWhenOnline(t *testing.T) {
	m := NewManualMonitor(Fair)
	if err := m.AwaitOnline(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("AwaitOnline failed: %v", err)
	}
}

func TestAwaitOnlineWakesOnTransition(t *testing.T) {
	m := NewManualMonitor(Offline)

	done := make(chan error, 1)
	go func() {
		done <- m.AwaitOnline(context.Background(), 5*time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	m.SetQuality(Good)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AwaitOnline failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitOnline did not wake")
	}
}

func TestAwaitOnlineTimesOut(t *testing.T) {
	m := NewManualMonitor(Offline)
	if err := m.AwaitOnline(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrOfflineTimeout) {
		t.Fatalf("got %v, want ErrOfflineTimeout", err)
	}
}

func TestAwaitOnlineHonorsContext(t *testing.T) {
	m := NewManualMonitor(Offline)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.AwaitOnline(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestQualityString(t *testing.T) {
	cases := map[Quality]string{
		Offline:   "offline",
		Poor:      "poor",
		Fair:      "fair",
		Good:      "good",
		Excellent: "excellent",
	}
	for q, want := range cases {
		if q.String() != want {
			t.Fatalf("%d.String() = %q", q, q.String())
		}
	}
}
