package workflow

import (
	"testing"
	"time"
)

func runAt(offset time.Duration) VerificationRun {
	return VerificationRun{Timestamp: fixtureBase.Add(offset)}
}

func TestVerificationHistory_Bounded(t *testing.T) {
	h := NewVerificationHistory(3)
	for i := 0; i < 10; i++ {
		h.Append(runAt(time.Duration(i) * time.Minute))
	}
	if h.Len() != 3 {
		t.Fatalf("expected ring capped at 3, got %d", h.Len())
	}

	recent := h.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(recent))
	}
	// newest first: minutes 9, 8, 7
	for i, wantMinute := range []int{9, 8, 7} {
		want := fixtureBase.Add(time.Duration(wantMinute) * time.Minute)
		if !recent[i].Timestamp.Equal(want) {
			t.Errorf("recent[%d] = %s, want %s", i, recent[i].Timestamp, want)
		}
	}
}

func TestVerificationHistory_PartialFill(t *testing.T) {
	h := NewVerificationHistory(5)
	h.Append(runAt(0))
	h.Append(runAt(time.Minute))

	if h.Len() != 2 {
		t.Fatalf("expected 2 runs, got %d", h.Len())
	}
	recent := h.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("Recent must clamp to stored size, got %d", len(recent))
	}
	if !recent[0].Timestamp.After(recent[1].Timestamp) {
		t.Error("expected newest first ordering")
	}

	limited := h.Recent(1)
	if len(limited) != 1 || !limited[0].Timestamp.Equal(fixtureBase.Add(time.Minute)) {
		t.Errorf("Recent(1) should return only the newest run, got %+v", limited)
	}
}

func TestVerificationHistory_DefaultCapacity(t *testing.T) {
	h := NewVerificationHistory(0)
	for i := 0; i < defaultHistoryCapacity+10; i++ {
		h.Append(runAt(time.Duration(i) * time.Second))
	}
	if h.Len() != defaultHistoryCapacity {
		t.Errorf("expected default capacity %d, got %d", defaultHistoryCapacity, h.Len())
	}
}
