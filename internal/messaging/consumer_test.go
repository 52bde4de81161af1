package messaging

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/prefixminer/internal/report"
	pkgerrors "github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
	"github.com/bardlex/prefixminer/pkg/retry"
)

func TestDecode(t *testing.T) {
	want := testEvent()
	want.Nonce = 1<<60 + 1

	for _, format := range []Format{FormatJSON, FormatProto} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(format, want)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}

			got, err := Decode(format, data)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}

			if got.Kind != want.Kind || got.JobID != want.JobID || got.Address != want.Address {
				t.Errorf("Decode() = %+v, want %+v", got, want)
			}
			if got.Nonce != want.Nonce {
				t.Errorf("Nonce = %d, want %d", got.Nonce, want.Nonce)
			}
			if got.Elapsed != want.Elapsed {
				t.Errorf("Elapsed = %v, want %v", got.Elapsed, want.Elapsed)
			}
			if got.Hashes != want.Hashes || got.Difficulty != want.Difficulty {
				t.Errorf("Hashes/Difficulty = %d/%d, want %d/%d", got.Hashes, got.Difficulty, want.Hashes, want.Difficulty)
			}
			if !got.At.Equal(want.At) {
				t.Errorf("At = %v, want %v", got.At, want.At)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"not JSON", FormatJSON, "{"},
		{"no kind", FormatJSON, `{"job_id":"job-1","nonce":"1"}`},
		{"bad nonce", FormatJSON, `{"kind":"mined","nonce":"-1"}`},
		{"not protobuf", FormatProto, "\xff\xff\xff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.format, []byte(tt.data))
			if !pkgerrors.IsType(err, pkgerrors.ErrorTypeDecode) {
				t.Errorf("Decode() = %v, want decode error", err)
			}
		})
	}

	if _, err := Decode(Format("xml"), []byte("{}")); err == nil {
		t.Error("Decode() expected error for unknown format")
	}
}

func TestMessageFormat(t *testing.T) {
	tests := []struct {
		name    string
		headers []kafka.Header
		want    Format
	}{
		{"no header", nil, FormatJSON},
		{"proto header", []kafka.Header{{Key: "kind", Value: []byte("mined")}, {Key: "format", Value: []byte("proto")}}, FormatProto},
		{"unknown header value", []kafka.Header{{Key: "format", Value: []byte("avro")}}, FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageFormat(kafka.Message{Headers: tt.headers}, FormatJSON); got != tt.want {
				t.Errorf("messageFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewKafkaConsumer(t *testing.T) {
	if _, err := NewKafkaConsumer(ConsumerConfig{}, log.Discard()); !pkgerrors.IsType(err, pkgerrors.ErrorTypeValidation) {
		t.Errorf("NewKafkaConsumer() without brokers = %v, want validation error", err)
	}

	consumer, err := NewKafkaConsumer(ConsumerConfig{Brokers: []string{"127.0.0.1:1"}}, log.Discard())
	if err != nil {
		t.Fatalf("NewKafkaConsumer() error: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	if consumer.format != FormatJSON {
		t.Errorf("format = %q, want json", consumer.format)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = consumer.Consume(ctx, func(context.Context, *report.Event) error {
		t.Error("handler called without a broker")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Consume() = %v, want context.Canceled", err)
	}
}

// TestKafkaConsumer_Integration needs a broker at KAFKA_TEST_BROKER with
// topic auto-creation enabled
func TestKafkaConsumer_Integration(t *testing.T) {
	broker := os.Getenv("KAFKA_TEST_BROKER")
	if broker == "" {
		t.Skip("KAFKA_TEST_BROKER not set")
	}

	topic := "prefixminer-consumer-test-" + time.Now().Format("20060102150405")
	publisher, err := NewKafkaPublisher(KafkaConfig{
		Brokers: []string{broker},
		Topic:   topic,
		Format:  FormatProto,
	}, log.Discard())
	if err != nil {
		t.Fatalf("NewKafkaPublisher() error: %v", err)
	}
	defer func() { _ = publisher.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := publisher.Record(ctx, testEvent()); err != nil {
		t.Fatalf("Record() error: %v", err)
	}

	consumer, err := NewKafkaConsumer(ConsumerConfig{
		Brokers: []string{broker},
		Topic:   topic,
		GroupID: topic,
	}, log.Discard())
	if err != nil {
		t.Fatalf("NewKafkaConsumer() error: %v", err)
	}
	defer func() { _ = consumer.Close() }()

	got := make(chan *report.Event, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		_ = consumer.Consume(consumeCtx, func(_ context.Context, event *report.Event) error {
			got <- event
			stop()
			return nil
		})
	}()

	select {
	case event := <-got:
		if event.JobID != "job-7" || event.Nonce != 26 {
			t.Errorf("consumed %+v, want job-7 nonce 26", event)
		}
	case <-ctx.Done():
		t.Fatal("no event consumed")
	}
}

// scriptedReader fails the first fetches and then serves one message
type scriptedReader struct {
	failures  int
	message   kafka.Message
	fetches   []time.Time
	committed []int64
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.fetches = append(r.fetches, time.Now())
	switch {
	case len(r.fetches) <= r.failures:
		return kafka.Message{}, errors.New("broker unreachable")
	case len(r.fetches) == r.failures+1:
		return r.message, nil
	default:
		return kafka.Message{}, io.EOF
	}
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestKafkaConsumer_BacksOffOnReadErrors(t *testing.T) {
	value, err := Encode(FormatJSON, testEvent())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	reader := &scriptedReader{failures: 3, message: kafka.Message{Offset: 9, Value: value}}
	consumer := &KafkaConsumer{
		reader:  reader,
		format:  FormatJSON,
		logger:  log.Discard(),
		backoff: &retry.Config{BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2},
	}

	handled := 0
	err = consumer.Consume(context.Background(), func(context.Context, *report.Event) error {
		handled++
		return nil
	})
	if err != nil {
		t.Fatalf("Consume() = %v, want nil after EOF", err)
	}

	if handled != 1 || len(reader.committed) != 1 || reader.committed[0] != 9 {
		t.Errorf("handled %d, committed %v; want one event at offset 9", handled, reader.committed)
	}
	// 5ms + 10ms + 20ms between the first four fetches
	if waited := reader.fetches[3].Sub(reader.fetches[0]); waited < 35*time.Millisecond {
		t.Errorf("three failed fetches retried within %v, want at least 35ms of backoff", waited)
	}
}

func TestKafkaConsumer_BackoffStopsOnCancel(t *testing.T) {
	reader := &scriptedReader{failures: 100}
	consumer := &KafkaConsumer{
		reader:  reader,
		format:  FormatJSON,
		logger:  log.Discard(),
		backoff: &retry.Config{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := consumer.Consume(ctx, func(context.Context, *report.Event) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Consume() = %v, want context.DeadlineExceeded", err)
	}
	if len(reader.fetches) != 1 {
		t.Errorf("fetches = %d, want 1 while backing off", len(reader.fetches))
	}
}
