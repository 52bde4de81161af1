package messaging

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/prefixminer/internal/report"
	"github.com/bardlex/prefixminer/pkg/errors"
)

// Format selects the payload encoding of published events
type Format string

// Supported payload formats
const (
	FormatJSON  Format = "json"
	FormatProto Format = "proto"
)

// ParseFormat accepts "json" or "proto" in any case; empty means JSON
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatProto:
		return FormatProto, nil
	default:
		return "", errors.New(errors.ErrorTypeValidation, "parse_format",
			"unsupported message format").
			WithContext("format", s)
	}
}

// EventMessage is the wire form of a report.Event. Durations are carried in
// milliseconds and nonces as decimal strings so proto consumers do not lose
// precision above 2^53.
type EventMessage struct {
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id"`
	PrevHash   string    `json:"prev_hash"`
	Nonce      string    `json:"nonce"`
	Hash       string    `json:"hash"`
	Address    string    `json:"address"`
	Difficulty int       `json:"difficulty"`
	Hashes     uint64    `json:"hashes"`
	ElapsedMs  float64   `json:"elapsed_ms"`
	Hashrate   float64   `json:"hashrate"`
	Response   string    `json:"response,omitempty"`
	At         time.Time `json:"at"`
}

// NewEventMessage converts event to its wire form
func NewEventMessage(event *report.Event) *EventMessage {
	return &EventMessage{
		Kind:       string(event.Kind),
		JobID:      event.JobID,
		PrevHash:   event.PrevHash,
		Nonce:      strconv.FormatUint(event.Nonce, 10),
		Hash:       event.Hash,
		Address:    event.Address,
		Difficulty: event.Difficulty,
		Hashes:     event.Hashes,
		ElapsedMs:  float64(event.Elapsed) / float64(time.Millisecond),
		Hashrate:   event.Hashrate(),
		Response:   event.Response,
		At:         event.At.UTC(),
	}
}

// fields returns the message as a structpb-compatible map
func (m *EventMessage) fields() map[string]any {
	return map[string]any{
		"kind":       m.Kind,
		"job_id":     m.JobID,
		"prev_hash":  m.PrevHash,
		"nonce":      m.Nonce,
		"hash":       m.Hash,
		"address":    m.Address,
		"difficulty": m.Difficulty,
		"hashes":     m.Hashes,
		"elapsed_ms": m.ElapsedMs,
		"hashrate":   m.Hashrate,
		"response":   m.Response,
		"at":         m.At.Format(time.RFC3339Nano),
	}
}

// Encode renders event in format. Proto payloads are a serialized
// google.protobuf.Struct with the same keys as the JSON form.
func Encode(format Format, event *report.Event) ([]byte, error) {
	msg := NewEventMessage(event)

	switch format {
	case FormatProto:
		st, err := structpb.NewStruct(msg.fields())
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_encode",
				"failed to build protobuf struct").
				WithContext("job_id", event.JobID)
		}
		data, err := proto.Marshal(st)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
				"failed to marshal protobuf message").
				WithContext("job_id", event.JobID)
		}
		return data, nil

	case FormatJSON:
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "json_marshal",
				"failed to marshal event").
				WithContext("job_id", event.JobID)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported message format %q", format)
	}
}

// Event converts the wire form back to a report.Event. Hashrate is derived
// and not read back.
func (m *EventMessage) Event() (*report.Event, error) {
	nonce, err := strconv.ParseUint(m.Nonce, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDecode, "decode_event",
			"nonce is not a decimal uint64").
			WithContext("nonce", m.Nonce)
	}

	return &report.Event{
		Kind:       report.Kind(m.Kind),
		JobID:      m.JobID,
		PrevHash:   m.PrevHash,
		Nonce:      nonce,
		Hash:       m.Hash,
		Address:    m.Address,
		Difficulty: m.Difficulty,
		Hashes:     m.Hashes,
		Elapsed:    time.Duration(math.Round(m.ElapsedMs * float64(time.Millisecond))),
		Response:   m.Response,
		At:         m.At,
	}, nil
}

// messageFromStruct reads the keys written by fields
func messageFromStruct(st *structpb.Struct) (*EventMessage, error) {
	str := func(key string) string { return st.GetFields()[key].GetStringValue() }
	num := func(key string) float64 { return st.GetFields()[key].GetNumberValue() }

	msg := &EventMessage{
		Kind:       str("kind"),
		JobID:      str("job_id"),
		PrevHash:   str("prev_hash"),
		Nonce:      str("nonce"),
		Hash:       str("hash"),
		Address:    str("address"),
		Difficulty: int(num("difficulty")),
		Hashes:     uint64(num("hashes")),
		ElapsedMs:  num("elapsed_ms"),
		Hashrate:   num("hashrate"),
		Response:   str("response"),
	}

	if at := str("at"); at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "decode_event",
				"invalid event timestamp").
				WithContext("at", at)
		}
		msg.At = parsed
	}

	return msg, nil
}

// Decode parses a payload produced by Encode in the same format
func Decode(format Format, data []byte) (*report.Event, error) {
	var msg *EventMessage

	switch format {
	case FormatProto:
		var st structpb.Struct
		if err := proto.Unmarshal(data, &st); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "protobuf_unmarshal",
				"failed to unmarshal protobuf message").
				WithContext("message_size", len(data))
		}
		m, err := messageFromStruct(&st)
		if err != nil {
			return nil, err
		}
		msg = m

	case FormatJSON:
		msg = &EventMessage{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDecode, "json_unmarshal",
				"failed to unmarshal event").
				WithContext("message_size", len(data))
		}

	default:
		return nil, fmt.Errorf("unsupported message format %q", format)
	}

	if msg.Kind == "" {
		return nil, errors.New(errors.ErrorTypeDecode, "decode_event",
			"event has no kind")
	}
	return msg.Event()
}
