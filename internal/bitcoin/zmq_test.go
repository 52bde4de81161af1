package bitcoin

import (
	"context"
	"errors"
	"testing"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

func TestNewZMQNotifier(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
	}{
		{"valid endpoint", "tcp://localhost:28332"},
		{"empty endpoint", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier, err := NewZMQNotifier(tt.endpoint, log.Discard())
			if err != nil {
				t.Fatalf("NewZMQNotifier() unexpected error: %v", err)
			}

			if notifier.endpoint != tt.endpoint {
				t.Errorf("endpoint = %v, want %v", notifier.endpoint, tt.endpoint)
			}

			if err := notifier.Close(); err != nil {
				t.Errorf("Failed to close notifier: %v", err)
			}
		})
	}
}

func TestZMQNotifier_ListenStopsOnContext(t *testing.T) {
	notifier, err := NewZMQNotifier("tcp://localhost:28332", log.Discard())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	defer func() { _ = notifier.Close() }()

	if err := notifier.Subscribe(TopicHashBlock); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := notifier.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	called := false
	err = notifier.Listen(ctx, func(_ string, _ []byte) error {
		called = true
		return nil
	})

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Listen() = %v, want context.DeadlineExceeded", err)
	}

	if called {
		t.Error("Listen() should not have received messages")
	}
}

func TestZMQNotifier_ReceivesPublishedBlock(t *testing.T) {
	const endpoint = "inproc://hashblock-test"

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		t.Fatalf("failed to create PUB socket: %v", err)
	}
	defer func() { _ = pub.Close() }()

	if err := pub.Bind(endpoint); err != nil {
		t.Fatalf("failed to bind PUB socket: %v", err)
	}

	notifier, err := NewZMQNotifier(endpoint, log.Discard())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}
	defer func() { _ = notifier.Close() }()

	if err := notifier.Subscribe(TopicHashBlock); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := notifier.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := make([]byte, 32)
	body[0] = 0xab

	// Keep publishing until the subscription has propagated
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = pub.SendMessage(TopicHashBlock, body, []byte{0, 0, 0, 0})
			}
		}
	}()

	handler := NewBlockNotificationHandler(log.Discard())
	var got string
	handler.SetNewBlockHandler(func(blockHash string) error {
		got = blockHash
		cancel()
		return nil
	})

	_ = notifier.Listen(ctx, handler.HandleMessage)
	cancel()
	<-stopped

	want := "00000000000000000000000000000000000000000000000000000000000000ab"
	if got != want {
		t.Errorf("received hash %q, want %q", got, want)
	}
}

func TestBlockNotificationHandler_HandleMessage(t *testing.T) {
	handler := NewBlockNotificationHandler(log.Discard())

	var received string
	handler.SetNewBlockHandler(func(blockHash string) error {
		received = blockHash
		return nil
	})

	tests := []struct {
		name        string
		topic       string
		data        []byte
		wantErr     bool
		expectBlock bool
	}{
		{"valid block hash", TopicHashBlock, make([]byte, 32), false, true},
		{"invalid block hash length", TopicHashBlock, make([]byte, 16), true, false},
		{"transaction hash ignored", "hashtx", make([]byte, 32), false, false},
		{"unknown topic", "unknown", []byte("data"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			received = ""

			err := handler.HandleMessage(tt.topic, tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleMessage() error = %v, wantErr %v", err, tt.wantErr)
			}

			if (received != "") != tt.expectBlock {
				t.Errorf("block handler called = %v, want %v", received != "", tt.expectBlock)
			}
		})
	}
}

func TestBlockNotificationHandler_PropagatesCallbackError(t *testing.T) {
	handler := NewBlockNotificationHandler(log.Discard())
	boom := errors.New("refresh failed")
	handler.SetNewBlockHandler(func(string) error { return boom })

	if err := handler.HandleMessage(TopicHashBlock, make([]byte, 32)); !errors.Is(err, boom) {
		t.Errorf("HandleMessage() = %v, want %v", err, boom)
	}
}

func TestReverseHex(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"simple bytes", []byte{0x01, 0x02, 0x03, 0x04}, "04030201"},
		{"empty bytes", []byte{}, ""},
		{"single byte", []byte{0xff}, "ff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reverseHex(tt.data); got != tt.want {
				t.Errorf("reverseHex() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZMQNotifier_Track(t *testing.T) {
	notifier := &ZMQNotifier{sequences: make(map[string]uint32)}
	seq := func(n uint32) []byte {
		return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	}

	steps := []struct {
		topic  string
		raw    []byte
		missed uint32
	}{
		{TopicHashBlock, seq(7), 0},
		{TopicHashBlock, seq(8), 0},
		{TopicHashBlock, seq(11), 2},
		{"hashtx", seq(300), 0},
		{TopicHashBlock, seq(0), 0},
		{TopicHashBlock, []byte{1, 2}, 0},
	}

	for i, step := range steps {
		if got := notifier.track(step.topic, step.raw); got != step.missed {
			t.Errorf("step %d: track() = %d, want %d", i, got, step.missed)
		}
	}
}

func TestZMQNotifier_Close(t *testing.T) {
	notifier, err := NewZMQNotifier("tcp://localhost:28332", log.Discard())
	if err != nil {
		t.Fatalf("Failed to create notifier: %v", err)
	}

	if err := notifier.Close(); err != nil {
		t.Errorf("Close() unexpected error: %v", err)
	}

	if err := notifier.Close(); err != nil {
		t.Errorf("Close() second call unexpected error: %v", err)
	}
}

func BenchmarkBlockNotificationHandler_HandleMessage(b *testing.B) {
	handler := NewBlockNotificationHandler(log.Discard())
	handler.SetNewBlockHandler(func(_ string) error { return nil })

	data := make([]byte, 32)

	for b.Loop() {
		_ = handler.HandleMessage(TopicHashBlock, data)
	}
}

// failingPoller fails every poll and cancels after the given number of polls
type failingPoller struct {
	polls  []time.Time
	limit  int
	cancel context.CancelFunc
}

func (p *failingPoller) Poll(time.Duration) ([]zmq.Polled, error) {
	p.polls = append(p.polls, time.Now())
	if len(p.polls) == p.limit {
		p.cancel()
	}
	return nil, errors.New("socket operation on non-socket")
}

func TestZMQNotifier_ListenBacksOffOnPollErrors(t *testing.T) {
	notifier, err := NewZMQNotifier("tcp://localhost:28332", log.Discard())
	if err != nil {
		t.Fatalf("NewZMQNotifier() error: %v", err)
	}
	defer func() { _ = notifier.Close() }()
	notifier.backoff = &retry.Config{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	poller := &failingPoller{limit: 4, cancel: cancel}

	err = notifier.listen(ctx, poller, func(string, []byte) error {
		t.Error("handler called without a message")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("listen() = %v, want context.Canceled", err)
	}
	if len(poller.polls) != 4 {
		t.Fatalf("polls = %d, want 4", len(poller.polls))
	}
	// 5ms + 10ms + 20ms between the four polls
	if waited := poller.polls[3].Sub(poller.polls[0]); waited < 35*time.Millisecond {
		t.Errorf("four failing polls within %v, want at least 35ms of backoff", waited)
	}
}
