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

// Package remote owns the lifecycle of the one live IMAP session per
// sync run: connect, authenticate, hand the session to the caller's
// work function, and retry the whole of that on transient failure
// with capped exponential backoff and a circuit breaker.
package remote

import (
	"context"
	"io"
	"time"

	"marmstrong/mailmirror/internal/observe"

	"github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Outcome tags the result of classifying a failure.  Classification
// is an explicit function, not exception matching in the retry loop.
type Outcome int

const (
	// OutcomeTransient failures are retried indefinitely under
	// backoff.  Everything not provably permanent lands here.
	OutcomeTransient Outcome = iota

	// OutcomePermanent failures (authentication, authorization)
	// are surfaced immediately and never retried.
	OutcomePermanent
)

// AuthError reports a rejected login.  Always classified permanent.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Message
}

// Classify tags err as permanent or transient.
func Classify(err error) Outcome {
	switch cause := errors.Cause(err).(type) {
	case *AuthError:
		return OutcomePermanent
	case *imap.Error:
		if cause.Code == imap.ResponseCodeAuthenticationFailed ||
			cause.Code == imap.ResponseCodeAuthorizationFailed {
			return OutcomePermanent
		}
	}
	return OutcomeTransient
}

// Config carries the connection target and the retry policy knobs.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	TLS      bool

	// BackoffBase is the first retry delay; each subsequent
	// attempt doubles it up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// BreakerThreshold consecutive transient failures open the
	// breaker for BreakerCooldown, after which one trial attempt
	// is allowed.
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// CommandsPerSecond paces commands on the live session.
	CommandsPerSecond float64

	// DebugWriter, when set, receives the raw protocol exchange.
	DebugWriter io.Writer
}

func (c Config) withDefaults() Config {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	if c.CommandsPerSecond <= 0 {
		c.CommandsPerSecond = 20
	}
	return c
}

// Controller serializes remote access: one session at a time,
// connect, work, disconnect.
type Controller struct {
	cfg Config
	obs *observe.Observer

	// dial establishes one authenticated session; swapped out in
	// tests so the retry policy can be exercised without a server.
	dial func(ctx context.Context) (*Session, error)
}

func NewController(cfg Config, obs *observe.Observer) *Controller {
	c := &Controller{cfg: cfg.withDefaults(), obs: obs}
	c.dial = c.connect
	return c
}

// RunResilient executes work against one live session, retrying per
// policy.  It returns nil on success, the original error on a
// permanent failure or cancellation, and otherwise keeps trying;
// "persevere" is unbounded in attempt count, bounded only by ctx.
func (c *Controller) RunResilient(ctx context.Context, work func(context.Context, *Session) error) error {
	defer c.obs.Span("remote.session")()

	attempt := 0
	consecutive := 0
	breakerOpen := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if breakerOpen {
			// The cooldown has elapsed; this is the single
			// trial attempt the open breaker allows.
			c.obs.Event("remote.breaker_trial", observe.Fields{
				"failures": consecutive,
			})
		}

		sess, err := c.dial(ctx)
		if err == nil {
			err = work(ctx, sess)
			sess.Close()
		}
		if err == nil {
			if breakerOpen {
				c.obs.Event("remote.breaker_reset", observe.Fields{
					"failures": consecutive,
				})
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if Classify(err) == OutcomePermanent {
			return err
		}

		attempt++
		consecutive++
		c.obs.RemoteRetries.Inc()

		delay := backoffDelay(c.cfg.BackoffBase, attempt, c.cfg.BackoffCap)
		if consecutive >= c.cfg.BreakerThreshold {
			// Breaker open: the server is actively failing
			// us; back off for the full cooldown, then let
			// exactly one trial attempt through.  A failed
			// trial reopens the cooldown on the next pass.
			delay = c.cfg.BreakerCooldown
			breakerOpen = true
			c.obs.BreakerOpens.Inc()
			c.obs.Event("remote.breaker_open", observe.Fields{
				"failures": consecutive,
				"cooldown": delay,
				"error":    err.Error(),
			})
		} else {
			c.obs.Event("remote.retry", observe.Fields{
				"attempt": attempt,
				"delay":   delay,
				"error":   err.Error(),
			})
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoffDelay returns min(base * 2^(attempt-1), cap), monotonically
// non-decreasing in attempt.
func backoffDelay(base time.Duration, attempt int, cap time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 { // <= 0 on overflow
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Controller) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(c.cfg.CommandsPerSecond),
		int(c.cfg.CommandsPerSecond))
}
