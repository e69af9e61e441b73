// Package tracer threads a tracking id through every relay stage as
// structured zerolog events and Prometheus counters.
package tracer

import (
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"

	contractx "github.com/tanpawarit/agent-relay/relay/contract"
)

// DurationAttr is observed into the stage histogram when present in attrs.
const DurationAttr = "duration"

var (
	traceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_trace_events_total",
			Help: "Total number of correlation events emitted per stage",
		},
		[]string{"stage", "event"},
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_stage_duration_seconds",
			Help:    "Duration of relay stages in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 60, 300, 900},
		},
		[]string{"stage"},
	)

	droppedLogLines = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_trace_dropped_lines_total",
			Help: "Trace log lines dropped by the non-blocking writer",
		},
	)
)

var _ contractx.Tracer = (*Tracer)(nil)

type Tracer struct {
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Tracer {
	return &Tracer{logger: logger.With().Str("component", "tracer").Logger()}
}

// Emit never returns an error and never panics into the caller.
func (t *Tracer) Emit(trackingID string, stage contractx.Stage, event contractx.Event, attrs map[string]any) {
	if t == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	traceEventsTotal.WithLabelValues(string(stage), string(event)).Inc()

	ev := t.logger.WithLevel(levelFor(event)).
		Str("tracking_id", trackingID).
		Str("stage", string(stage)).
		Str("event", string(event))

	for k, v := range attrs {
		switch val := v.(type) {
		case time.Duration:
			if k == DurationAttr {
				stageDurationSeconds.WithLabelValues(string(stage)).Observe(val.Seconds())
			}
			ev = ev.Dur(k, val)
		case error:
			ev = ev.AnErr(k, val)
		default:
			ev = ev.Interface(k, val)
		}
	}
	ev.Msg("trace")
}

func levelFor(event contractx.Event) zerolog.Level {
	switch event {
	case contractx.EventTerminal, contractx.EventFailed:
		return zerolog.ErrorLevel
	case contractx.EventRejected, contractx.EventRetrying, contractx.EventReleased:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

// NonBlockingWriter wraps w so a slow sink drops lines instead of stalling
// the pipeline. Close flushes the buffer.
func NonBlockingWriter(w io.Writer, size int) io.WriteCloser {
	if size <= 0 {
		size = 1000
	}
	return diode.NewWriter(w, size, 10*time.Millisecond, func(missed int) {
		droppedLogLines.Add(float64(missed))
	})
}
