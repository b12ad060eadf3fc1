package events

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type recordingSink struct {
	got []Decision
}

func (r *recordingSink) Publish(d Decision) { r.got = append(r.got, d) }

type recordingPublisher struct {
	mu  sync.Mutex
	got []Decision
}

func (r *recordingPublisher) PublishDecision(_ context.Context, d Decision) error {
	r.mu.Lock()
	r.got = append(r.got, d)
	r.mu.Unlock()
	return nil
}

func replay(decisions []Decision) string {
	l := NewLog(0)
	for _, d := range decisions {
		l.Record(d)
	}
	return l.Digest()
}

// ===== Tests =====

func TestDigestIsDeterministic(t *testing.T) {
	input := []Decision{
		{Time: 10, Kind: KindTaskPlaced, Task: 1, Machine: 2},
		{Time: 20, Kind: KindPowerRequested, Machine: 3, Detail: "STANDBY"},
	}
	a, b := replay(input), replay(input)
	if a != b {
		t.Errorf("expected equal digests, got %s and %s", a, b)
	}

	changed := append([]Decision(nil), input...)
	changed[1].Machine = 4
	if replay(changed) == a {
		t.Error("expected a different decision to change the digest")
	}
}

func TestLogAssignsSequenceAndRetains(t *testing.T) {
	sink := &recordingSink{}
	l := NewLog(2, sink)
	for i := 0; i < 3; i++ {
		l.Record(Decision{Kind: KindTaskCompleted})
	}
	if l.Len() != 3 || l.Count(KindTaskCompleted) != 3 {
		t.Errorf("expected 3 decisions, got %d", l.Len())
	}
	recent := l.Recent()
	if len(recent) != 2 || recent[0].Seq != 2 || recent[1].Seq != 3 {
		t.Errorf("unexpected retained decisions %+v", recent)
	}
	if len(sink.got) != 3 || sink.got[0].ID == "" {
		t.Errorf("expected sink to receive every decision with an id")
	}
}

func TestAsyncDropsWhenFull(t *testing.T) {
	pub := &recordingPublisher{}
	a := NewAsync(pub, 2, zap.NewNop())
	for i := 0; i < 5; i++ {
		a.Publish(Decision{Seq: uint64(i)})
	}
	if a.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", a.Dropped())
	}

	a.Start(context.Background())
	a.Close()
	if len(pub.got) != 2 {
		t.Errorf("expected 2 delivered, got %d", len(pub.got))
	}
	a.Publish(Decision{})
}
