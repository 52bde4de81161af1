package report

import (
	"context"
	"errors"
	"time"

	"github.com/bardlex/prefixminer/pkg/log"
)

type namedSink struct {
	name string
	sink Sink
}

// Fanout delivers each event to every registered sink in order
type Fanout struct {
	sinks  []namedSink
	logger *log.Logger
}

// NewFanout creates an empty fanout
func NewFanout(logger *log.Logger) *Fanout {
	return &Fanout{logger: logger.WithComponent("report")}
}

// Add registers sink under name
func (f *Fanout) Add(name string, sink Sink) {
	f.sinks = append(f.sinks, namedSink{name: name, sink: sink})
	f.logger.Info("event sink enabled", "sink", name)
}

// Len returns the number of registered sinks
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Record offers event to every sink. A failing sink does not prevent
// delivery to the others; all failures are logged and joined.
func (f *Fanout) Record(ctx context.Context, event *Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	var errs []error
	for _, s := range f.sinks {
		if err := s.sink.Record(ctx, event); err != nil {
			f.logger.WithError(err).Warn("event sink failed",
				"sink", s.name,
				"kind", string(event.Kind),
				"job_id", event.JobID)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink, in reverse registration order
func (f *Fanout) Close() error {
	var errs []error
	for i := len(f.sinks) - 1; i >= 0; i-- {
		if err := f.sinks[i].sink.Close(); err != nil {
			f.logger.WithError(err).Warn("failed to close event sink", "sink", f.sinks[i].name)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Fanout)(nil)
