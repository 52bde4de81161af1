package report

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/prefixminer/pkg/log"
)

type recordingSink struct {
	events   []*Event
	err      error
	closed   bool
	closeErr error
	order    *[]string
	name     string
}

func (s *recordingSink) Record(_ context.Context, event *Event) error {
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) Close() error {
	s.closed = true
	if s.order != nil {
		*s.order = append(*s.order, s.name)
	}
	return s.closeErr
}

func TestFanout_RecordDeliversToAll(t *testing.T) {
	failing := &recordingSink{err: errors.New("broker down")}
	healthy := &recordingSink{}

	fanout := NewFanout(log.Discard())
	fanout.Add("failing", failing)
	fanout.Add("healthy", healthy)

	if fanout.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", fanout.Len())
	}

	event := &Event{Kind: KindMined, JobID: "job-1", Nonce: 26}
	err := fanout.Record(context.Background(), event)

	if !errors.Is(err, failing.err) {
		t.Errorf("Record() = %v, want joined sink error", err)
	}
	if len(healthy.events) != 1 {
		t.Errorf("healthy sink received %d events, want 1", len(healthy.events))
	}
	if event.At.IsZero() {
		t.Error("Record() should stamp events without a timestamp")
	}
}

func TestFanout_KeepsExistingTimestamp(t *testing.T) {
	at := time.Date(2024, 4, 20, 0, 0, 0, 0, time.UTC)
	sink := &recordingSink{}

	fanout := NewFanout(log.Discard())
	fanout.Add("sink", sink)

	if err := fanout.Record(context.Background(), &Event{Kind: KindAccepted, At: at}); err != nil {
		t.Fatalf("Record() unexpected error: %v", err)
	}
	if got := sink.events[0].At; !got.Equal(at) {
		t.Errorf("At = %v, want %v", got, at)
	}
}

func TestFanout_Empty(t *testing.T) {
	fanout := NewFanout(log.Discard())

	if err := fanout.Record(context.Background(), &Event{Kind: KindMined}); err != nil {
		t.Errorf("Record() on empty fanout = %v, want nil", err)
	}
	if err := fanout.Close(); err != nil {
		t.Errorf("Close() on empty fanout = %v, want nil", err)
	}
}

func TestFanout_CloseReverseOrder(t *testing.T) {
	var order []string
	first := &recordingSink{name: "first", order: &order}
	second := &recordingSink{name: "second", order: &order, closeErr: errors.New("flush failed")}

	fanout := NewFanout(log.Discard())
	fanout.Add("first", first)
	fanout.Add("second", second)

	err := fanout.Close()
	if !errors.Is(err, second.closeErr) {
		t.Errorf("Close() = %v, want close error", err)
	}
	if !first.closed || !second.closed {
		t.Error("every sink should be closed")
	}
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Errorf("close order = %v, want [second first]", order)
	}
}

func TestEvent_Hashrate(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  float64
	}{
		{"no elapsed", Event{Hashes: 100}, 0},
		{"no hashes", Event{Elapsed: time.Second}, 0},
		{"two seconds", Event{Hashes: 1000, Elapsed: 2 * time.Second}, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.Hashrate(); got != tt.want {
				t.Errorf("Hashrate() = %v, want %v", got, tt.want)
			}
		})
	}
}
