// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observe carries the observability context injected into
// every component of a run: named events, counters and spans.  The
// core only emits; formatting and export belong to the caller.
package observe

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fields carries the variable data attached to a named event.
type Fields map[string]interface{}

// Sink receives named events.  Event names are constant strings so
// that sinks can build metrics or filters on them.
type Sink interface {
	Event(name string, fields Fields)
}

// LogSink writes events through the standard logger.
type LogSink struct{}

func (LogSink) Event(name string, fields Fields) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	log.Print(b.String())
}

type nopSink struct{}

func (nopSink) Event(string, Fields) {}

// Observer is the per-run observability context.  It owns a private
// prometheus registry; there is no process-global state.
type Observer struct {
	sink Sink
	reg  *prometheus.Registry

	MessagesStored    prometheus.Counter
	MessagesSkipped   prometheus.Counter
	MessagesAbandoned prometheus.Counter
	BytesWritten      prometheus.Counter
	WriteSeconds      prometheus.Histogram
	RemoteRetries     prometheus.Counter
	BreakerOpens      prometheus.Counter
	UnitsScanned      *prometheus.CounterVec

	spanSeconds *prometheus.HistogramVec
}

// New returns an Observer emitting events to sink with metrics on a
// fresh registry.  A nil sink discards events.
func New(sink Sink) *Observer {
	if sink == nil {
		sink = nopSink{}
	}
	reg := prometheus.NewRegistry()
	with := promauto.With(reg)
	return &Observer{
		sink: sink,
		reg:  reg,
		MessagesStored: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_messages_stored_total",
			Help: "Messages newly written to the archive.",
		}),
		MessagesSkipped: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_messages_skipped_total",
			Help: "Messages skipped as already archived.",
		}),
		MessagesAbandoned: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_messages_abandoned_total",
			Help: "Messages given up on after repeated per-item failures.",
		}),
		BytesWritten: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_archive_bytes_written_total",
			Help: "Raw content bytes written to the archive.",
		}),
		WriteSeconds: with.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailmirror_archive_write_duration_seconds",
			Help:    "Duration of durable message writes.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		RemoteRetries: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_remote_retries_total",
			Help: "Remote session attempts retried after transient failure.",
		}),
		BreakerOpens: with.NewCounter(prometheus.CounterOpts{
			Name: "mailmirror_breaker_opens_total",
			Help: "Circuit breaker transitions into the open state.",
		}),
		UnitsScanned: with.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmirror_scan_units_total",
			Help: "Local units seen by the incremental scanner.",
		}, []string{"state"}),
		spanSeconds: with.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailmirror_span_duration_seconds",
			Help:    "Duration of named operation spans.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"span"}),
	}
}

// Nop returns an Observer that counts but emits nowhere; intended for
// tests.
func Nop() *Observer {
	return New(nil)
}

// Registry exposes the run's metrics registry for export by the
// caller.
func (o *Observer) Registry() *prometheus.Registry {
	return o.reg
}

// Event emits a named event.
func (o *Observer) Event(name string, fields Fields) {
	o.sink.Event(name, fields)
}

// Span starts a named span and returns its closer.  The closer
// records the duration and emits a matching event.
func (o *Observer) Span(name string) func() {
	start := time.Now()
	return func() {
		d := time.Since(start)
		o.spanSeconds.WithLabelValues(name).Observe(d.Seconds())
		o.sink.Event("span.end", Fields{"span": name, "duration": d})
	}
}
