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
	"io"
	"net"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrMessageVanished reports a message that was listed by the peek
// phase but no longer exists when its body is requested; the remote
// expunged it in between.
var ErrMessageVanished = errors.New("remote message vanished before fetch")

// FolderStatus is the folder state reported by the remote at select
// time.
type FolderStatus struct {
	// UIDValidity is the folder's validity epoch.  Stored cursors
	// with a different epoch are worthless: the remote has
	// renumbered its identifier space.
	UIDValidity uint32

	// UIDNext is one past the highest identifier the remote may
	// have assigned.
	UIDNext uint32
}

// Session is one authenticated connection.  It only reads: mailboxes
// are selected read-only and bodies are fetched with peek, so the
// mirror never mutates remote state.
type Session struct {
	client  *imapclient.Client
	limiter *rate.Limiter
	obs     *observe.Observer
}

func (c *Controller) connect(ctx context.Context) (*Session, error) {
	addr := net.JoinHostPort(c.cfg.Host, c.cfg.Port)

	opts := &imapclient.Options{
		DebugWriter: c.cfg.DebugWriter,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			// Remote deletions are recorded as events only.
			// Nothing in this program ever deletes local
			// artifacts in response.
			Expunge: func(seqNum uint32) {
				c.obs.Event("remote.expunge", observe.Fields{
					"seq": seqNum,
				})
			},
		},
	}

	var client *imapclient.Client
	var err error
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialStartTLS(addr, opts)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		if cause, ok := errors.Cause(err).(*imap.Error); ok &&
			(cause.Code == imap.ResponseCodeAuthenticationFailed ||
				cause.Code == imap.ResponseCodeAuthorizationFailed) {
			return nil, &AuthError{Message: cause.Text}
		}
		return nil, errors.Wrapf(err, "login for %s", c.cfg.Username)
	}

	c.obs.Event("remote.connected", observe.Fields{"addr": addr})
	return &Session{client: client, limiter: c.limiter(), obs: c.obs}, nil
}

// Close logs out and drops the connection.
func (s *Session) Close() {
	if s.client == nil {
		return
	}
	_ = s.client.Logout().Wait()
	_ = s.client.Close()
}

// SelectFolder selects the folder read-only and returns its validity
// epoch and next identifier.
func (s *Session) SelectFolder(ctx context.Context, folder string) (FolderStatus, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return FolderStatus{}, err
	}
	data, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return FolderStatus{}, errors.Wrapf(err, "selecting %q", folder)
	}
	return FolderStatus{
		UIDValidity: data.UIDValidity,
		UIDNext:     uint32(data.UIDNext),
	}, nil
}

// PeekEnvelopes fetches envelope metadata for the UID range
// [start, end] of the currently selected folder in one round trip.
// No message content is transferred.
func (s *Session) PeekEnvelopes(ctx context.Context, start, end uint32) ([]message.Envelope, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var set imap.UIDSet
	set.AddRange(imap.UID(start), imap.UID(end))
	fetchCmd := s.client.Fetch(set, &imap.FetchOptions{
		Envelope: true,
		UID:      true,
	})
	defer fetchCmd.Close()

	var envs []message.Envelope
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			// A message that cannot be collected must fail the
			// whole peek.  Dropping it would make the caller
			// believe the UID does not exist and checkpoint
			// past it.
			return nil, errors.Wrapf(err, "collecting envelope in %d:%d", start, end)
		}
		envs = append(envs, envelopeFromBuffer(buf))
	}
	if err := fetchCmd.Close(); err != nil {
		return envs, errors.Wrapf(err, "peeking envelopes %d:%d", start, end)
	}
	return envs, nil
}

// FetchBody streams the full content of the message at uid into
// consume without materializing it in memory.  The mailbox copy is
// not marked seen.
func (s *Session) FetchBody(ctx context.Context, uid uint32, consume func(io.Reader) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		if err := fetchCmd.Close(); err != nil {
			return errors.Wrapf(err, "fetching body of %d", uid)
		}
		s.obs.Event("remote.vanished", observe.Fields{"uid": uid})
		return errors.Wrapf(ErrMessageVanished, "uid %d", uid)
	}

	var consumed bool
	var consumeErr error
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		section, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok {
			continue
		}
		// The literal must be drained even if the consumer
		// fails, or the protocol stream desynchronizes.
		consumeErr = consume(section.Literal)
		if consumeErr != nil {
			_, _ = io.Copy(io.Discard, section.Literal)
		}
		consumed = true
	}
	if err := fetchCmd.Close(); err != nil {
		return errors.Wrapf(err, "fetching body of %d", uid)
	}
	if consumeErr != nil {
		return consumeErr
	}
	if !consumed {
		return errors.Wrapf(ErrMessageVanished, "uid %d", uid)
	}
	return nil
}

func envelopeFromBuffer(buf *imapclient.FetchMessageBuffer) message.Envelope {
	env := message.Envelope{
		UID: uint32(buf.UID),
	}
	if buf.Envelope != nil {
		env.MessageID = buf.Envelope.MessageID
		env.Subject = buf.Envelope.Subject
		env.Date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				env.From = from.Name
			} else {
				env.From = from.Addr()
			}
		}
		for _, to := range buf.Envelope.To {
			env.To = append(env.To, to.Addr())
		}
	}
	return env
}
