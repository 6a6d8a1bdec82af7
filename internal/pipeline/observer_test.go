package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeHistory struct {
	records map[string][]*Message
	err     error
}

func (h *fakeHistory) ReplayForSession(sessionID string) ([]*Message, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.records[sessionID], nil
}

func TestFilter_Matches(t *testing.T) {
	m := &Message{SessionID: "s1", CEMID: "c1", RMID: "r1"}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty matches all", Filter{}, true},
		{"session match", Filter{SessionID: "s1"}, true},
		{"session mismatch", Filter{SessionID: "other"}, false},
		{"cem match", Filter{CEMID: "c1"}, true},
		{"rm match", Filter{RMID: "r1"}, true},
		{"or logic, one matches", Filter{SessionID: "other", RMID: "r1"}, true},
		{"or logic, none match", Filter{SessionID: "other", CEMID: "other"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.f.Matches(m); got != c.want {
				t.Errorf("Matches() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestObserverFanout_Process_DeliversToMatchingSubscriberOnly(t *testing.T) {
	o := NewObserverFanout(nil, discardLogger())
	defer o.Close()

	_, chA := o.Subscribe(Filter{CEMID: "c1"}, 4, false)
	_, chB := o.Subscribe(Filter{CEMID: "other"}, 4, false)

	o.Process(&Message{CEMID: "c1", Kind: KindS2})

	select {
	case m := <-chA:
		if m.CEMID != "c1" {
			t.Errorf("got CEMID %q, want c1", m.CEMID)
		}
	case <-time.After(time.Second):
		t.Fatal("matching subscriber never received message")
	}

	select {
	case <-chB:
		t.Fatal("non-matching subscriber should not have received message")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestObserverFanout_Unsubscribe_ClosesChannel(t *testing.T) {
	o := NewObserverFanout(nil, discardLogger())
	defer o.Close()

	id, ch := o.Subscribe(Filter{}, 1, false)
	o.Unsubscribe(id)

	_, ok := <-ch
	if ok {
		t.Error("expected channel closed after Unsubscribe")
	}
}

func TestObserverFanout_Subscribe_ReplaysHistoryBeforeLive(t *testing.T) {
	hist := &fakeHistory{records: map[string][]*Message{
		"s1": {{SessionID: "s1", RawPayload: map[string]any{"n": 1.0}}},
	}}
	o := NewObserverFanout(hist, discardLogger())
	defer o.Close()

	_, ch := o.Subscribe(Filter{SessionID: "s1"}, 4, true)

	o.Process(&Message{SessionID: "s1", RawPayload: map[string]any{"n": 2.0}})

	first := <-ch
	second := <-ch

	if first.RawPayload["n"] != 1.0 {
		t.Errorf("first message n = %v, want 1 (replayed history)", first.RawPayload["n"])
	}
	if second.RawPayload["n"] != 2.0 {
		t.Errorf("second message n = %v, want 2 (live, queued during replay)", second.RawPayload["n"])
	}
}

func TestObserverFanout_Subscribe_ReplayErrorStillReachesLive(t *testing.T) {
	hist := &fakeHistory{err: errors.New("boom")}
	o := NewObserverFanout(hist, discardLogger())
	defer o.Close()

	_, ch := o.Subscribe(Filter{SessionID: "s1"}, 4, true)
	o.Process(&Message{SessionID: "s1"})

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected live message despite replay error")
	}
}

func TestObserverFanout_Close_ClosesAllSubscribers(t *testing.T) {
	o := NewObserverFanout(nil, discardLogger())
	_, ch1 := o.Subscribe(Filter{}, 1, false)
	_, ch2 := o.Subscribe(Filter{}, 1, false)

	o.Close()

	if _, ok := <-ch1; ok {
		t.Error("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Error("expected ch2 closed")
	}
}
