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

package remote

import (
	"context"
	"testing"
	"time"

	"marmstrong/mailmirror/internal/observe"

	"github.com/emersion/go-imap/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

type eventSink struct {
	names []string
}

func (s *eventSink) Event(name string, fields observe.Fields) {
	s.names = append(s.names, name)
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	cap := 5 * time.Minute

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{9, 256 * time.Second},
		{10, cap}, // 512s clamps to 300s
		{11, cap},
		{100, cap}, // far past overflow territory
	}
	for _, tc := range tests {
		if got := backoffDelay(base, tc.attempt, cap); got != tc.want {
			t.Errorf("backoffDelay(%v, %d, %v) = %v, want %v",
				base, tc.attempt, cap, got, tc.want)
		}
	}
}

func TestBackoffDelayMonotonic(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Minute
	prev := time.Duration(0)
	for attempt := 1; attempt <= 64; attempt++ {
		d := backoffDelay(base, attempt, cap)
		if d < prev {
			t.Fatalf("backoffDelay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > cap {
			t.Fatalf("backoffDelay(%d) = %v exceeds cap %v", attempt, d, cap)
		}
		prev = d
	}
	if prev != cap {
		t.Errorf("backoffDelay never reached cap, last = %v", prev)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"auth", &AuthError{Message: "bad password"}, OutcomePermanent},
		{"wrapped auth", errors.Wrap(&AuthError{Message: "no"}, "connecting"), OutcomePermanent},
		{"imap authenticationfailed", &imap.Error{Code: imap.ResponseCodeAuthenticationFailed}, OutcomePermanent},
		{"imap authorizationfailed", &imap.Error{Code: imap.ResponseCodeAuthorizationFailed}, OutcomePermanent},
		{"imap other", &imap.Error{Code: imap.ResponseCodeServerBug}, OutcomeTransient},
		{"plain", errors.New("connection reset"), OutcomeTransient},
		{"wrapped plain", errors.Wrap(errors.New("timeout"), "reading"), OutcomeTransient},
		{"context", context.DeadlineExceeded, OutcomeTransient},
	}
	for _, tc := range tests {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("%s: Classify(%v) = %v, want %v", tc.name, tc.err, got, tc.want)
		}
	}
}

func TestRunResilientStopsOnCancel(t *testing.T) {
	// Port 9 (discard) is almost certainly closed; each connect
	// attempt fails fast and the retry loop must stop as soon as
	// the context does.
	ctrl := NewController(Config{
		Host:        "127.0.0.1",
		Port:        "9",
		TLS:         false,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, observe.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := ctrl.RunResilient(ctx, func(context.Context, *Session) error {
		t.Error("work ran despite unreachable server")
		return nil
	})
	if err == nil {
		t.Fatal("RunResilient = nil, want error after cancellation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("RunResilient took %v to honor cancellation", elapsed)
	}
}

func TestRunResilientBreakerSequence(t *testing.T) {
	sink := &eventSink{}
	ctrl := NewController(Config{
		BackoffBase:      time.Millisecond,
		BackoffCap:       4 * time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  5 * time.Millisecond,
	}, observe.New(sink))

	// Three consecutive dial failures, then a healthy session: one
	// plain retry, breaker opens at the threshold, the trial
	// attempt fails and reopens it, the second trial succeeds.
	dials := 0
	ctrl.dial = func(ctx context.Context) (*Session, error) {
		dials++
		if dials <= 3 {
			return nil, errors.New("connection refused")
		}
		return &Session{}, nil
	}

	err := ctrl.RunResilient(context.Background(), func(context.Context, *Session) error {
		return nil
	})
	if err != nil {
		t.Fatalf("RunResilient = %v, want nil", err)
	}
	if dials != 4 {
		t.Errorf("dials = %d, want 4", dials)
	}

	var got []string
	for _, name := range sink.names {
		switch name {
		case "remote.retry", "remote.breaker_open", "remote.breaker_trial", "remote.breaker_reset":
			got = append(got, name)
		}
	}
	want := []string{
		"remote.retry",
		"remote.breaker_open",
		"remote.breaker_trial",
		"remote.breaker_open",
		"remote.breaker_trial",
		"remote.breaker_reset",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("breaker event sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRunResilientPermanentFailureNoRetry(t *testing.T) {
	ctrl := NewController(Config{BackoffBase: time.Millisecond}, observe.Nop())

	dials := 0
	ctrl.dial = func(ctx context.Context) (*Session, error) {
		dials++
		return nil, &AuthError{Message: "bad password"}
	}

	err := ctrl.RunResilient(context.Background(), func(context.Context, *Session) error {
		t.Error("work ran despite failed login")
		return nil
	})
	if _, ok := errors.Cause(err).(*AuthError); !ok {
		t.Fatalf("RunResilient = %v, want AuthError", err)
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1 (permanent failures are not retried)", dials)
	}
}

func TestWithDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.BackoffBase != time.Second || c.BackoffCap != 5*time.Minute {
		t.Errorf("backoff defaults = (%v, %v), want (1s, 5m)", c.BackoffBase, c.BackoffCap)
	}
	if c.BreakerThreshold != 5 || c.BreakerCooldown != time.Minute {
		t.Errorf("breaker defaults = (%d, %v), want (5, 1m)", c.BreakerThreshold, c.BreakerCooldown)
	}

	// Explicit values survive.
	c = Config{BackoffBase: 2 * time.Second, BreakerThreshold: 9}.withDefaults()
	if c.BackoffBase != 2*time.Second || c.BreakerThreshold != 9 {
		t.Errorf("explicit values overridden: %+v", c)
	}
}
