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

// Package sync drives the remote mirror pass: per folder, work out
// the outstanding UID range from the stored cursor, then pull it in
// bounded batches.  Each batch is a cheap envelope peek, a dedup
// filter against the index, and streamed body fetches into the
// durable writer; the cursor advances only once the batch has fully
// committed.
package sync

import (
	"context"
	"io"
	"sort"
	"time"

	"marmstrong/mailmirror/internal/archive"
	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"
	"marmstrong/mailmirror/internal/persist"
	"marmstrong/mailmirror/internal/remote"

	"github.com/emersion/go-imap/v2"
	"github.com/pkg/errors"
)

// Options are the pipeline tunables.
type Options struct {
	// BatchSize trades round trips against rework after a crash:
	// a crash mid-batch re-processes at most one batch, and dedup
	// makes that reprocessing a no-op for stored items.
	BatchSize int

	// MaxItemAttempts is the give-up threshold for a message that
	// keeps failing inside otherwise healthy batches.  Below it
	// the item pins the cursor and is retried next run; at it the
	// item is abandoned so one poison message cannot stall the
	// folder forever.
	MaxItemAttempts int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxItemAttempts <= 0 {
		o.MaxItemAttempts = 3
	}
	return o
}

// Stats reports what one folder pass did.
type Stats struct {
	Folder    string
	Rescan    bool
	Stored    int
	Skipped   int
	Abandoned int
	Blocked   int
	Cursor    uint32
}

// Run mirrors the given folders over one resilient remote session.
// Folders are processed sequentially; if the session dies the
// controller reconnects and the work function starts over, resuming
// from the committed cursors.
func Run(ctx context.Context, ctrl *remote.Controller, db *persist.DB, w *archive.Writer, obs *observe.Observer, folders []string, opts Options) ([]Stats, error) {
	var all []Stats
	err := ctrl.RunResilient(ctx, func(ctx context.Context, sess *remote.Session) error {
		all = all[:0]
		for _, folder := range folders {
			if err := ctx.Err(); err != nil {
				return err
			}
			st, err := SyncFolder(ctx, sess, db, w, obs, folder, opts)
			if err != nil {
				return err
			}
			all = append(all, st)
		}
		return nil
	})
	return all, err
}

// SyncFolder runs one incremental pass over a single folder.
func SyncFolder(ctx context.Context, mbox Mailbox, db *persist.DB, w *archive.Writer, obs *observe.Observer, folder string, opts Options) (Stats, error) {
	defer obs.Span("sync.folder")()
	opts = opts.withDefaults()
	stats := Stats{Folder: folder}

	state, err := mbox.SelectFolder(ctx, folder)
	if err != nil {
		return stats, err
	}

	cur := &cursors{db: db, obs: obs}
	start, rescan, err := cur.resumePoint(ctx, folder, state.UIDValidity)
	if err != nil {
		return stats, err
	}
	stats.Rescan = rescan
	stats.Cursor = start - 1

	if start >= state.UIDNext {
		// Nothing outstanding.
		return stats, nil
	}

	// Batches are sequential so checkpoint semantics stay simple.
	// Cancellation is honored between batches; an in-flight batch
	// finishes as a unit.
	pinned := false
	for batchStart := start; batchStart < state.UIDNext; batchStart += uint32(opts.BatchSize) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		batchEnd := batchStart + uint32(opts.BatchSize) - 1
		if batchEnd >= state.UIDNext {
			batchEnd = state.UIDNext - 1
		}

		res, err := fetchBatch(ctx, mbox, db, w, obs, folder, batchStart, batchEnd, opts)
		if err != nil {
			return stats, err
		}
		stats.Stored += res.stored
		stats.Skipped += res.skipped
		stats.Abandoned += res.abandoned
		stats.Blocked += res.blockedCount

		// A blocked item pins the cursor: later batches still
		// run (their stores are durable and dedup makes the
		// rerun cheap) but the checkpoint must not pass the
		// failed UID, or the next run's range would skip it.
		if !pinned && res.highestContiguous >= batchStart {
			if err := cur.commit(ctx, folder, res.highestContiguous, state.UIDValidity); err != nil {
				return stats, err
			}
			stats.Cursor = res.highestContiguous
		}
		if res.blockedCount > 0 {
			pinned = true
		}
	}
	return stats, nil
}

// batchResult summarizes one batch.
type batchResult struct {
	// highestContiguous is the highest UID in [start, end] such
	// that every offered UID up to and including it was processed
	// (stored, deduplicated, or abandoned).  Zero when even the
	// first offered item is blocked.
	highestContiguous uint32
	stored            int
	skipped           int
	abandoned         int
	blockedCount      int
}

// fetchBatch processes the UID window [start, end]: one envelope
// round trip, then body fetches only for identities the index does
// not already hold.
func fetchBatch(ctx context.Context, mbox Mailbox, db *persist.DB, w *archive.Writer, obs *observe.Observer, folder string, start, end uint32, opts Options) (batchResult, error) {
	var res batchResult

	envs, err := mbox.PeekEnvelopes(ctx, start, end)
	if err != nil {
		return res, errors.Wrapf(err, "peeking %s %d:%d", folder, start, end)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].UID < envs[j].UID })

	blockedAt := uint32(0)
	for _, env := range envs {
		ok, err := processItem(ctx, mbox, db, w, obs, folder, env, opts, &res)
		if err != nil {
			return res, err
		}
		if !ok && blockedAt == 0 {
			blockedAt = env.UID
		}
	}

	if blockedAt == 0 {
		// UIDs in the window with no envelope do not exist on
		// the remote (expunged or never assigned); the cursor
		// may cover the whole window.
		res.highestContiguous = end
	} else {
		res.highestContiguous = blockedAt - 1
		if res.highestContiguous < start {
			res.highestContiguous = 0
		}
	}
	return res, nil
}

// processItem handles one offered message.  Returns ok=false when the
// item failed and still blocks the cursor; a session-level error is
// returned as err and aborts the batch.
func processItem(ctx context.Context, mbox Mailbox, db *persist.DB, w *archive.Writer, obs *observe.Observer, folder string, env message.Envelope, opts Options, res *batchResult) (bool, error) {
	// Cheap pre-check on the identity hint.  The writer re-checks
	// after staging with the confirmed identity; this one only
	// avoids pointless transfers.
	if hint := message.NormalizeID(env.MessageID); hint != "" {
		exists, err := db.ExistsByIdentity(ctx, hint)
		if err != nil {
			return false, err
		}
		if exists {
			res.skipped++
			obs.MessagesSkipped.Inc()
			return true, nil
		}
	}

	var storeErr error
	fetchErr := mbox.FetchBody(ctx, env.UID, func(r io.Reader) error {
		stored, _, err := w.Store(ctx, r, env.MessageID, folder, time.Now())
		if err != nil {
			storeErr = err
			return err
		}
		if stored {
			res.stored++
		} else {
			res.skipped++
		}
		return nil
	})
	if fetchErr == nil {
		if err := db.ClearItemFailure(ctx, folder, env.UID); err != nil {
			return false, err
		}
		return true, nil
	}
	if ctx.Err() != nil {
		return false, fetchErr
	}

	// A vanished message, a local write failure, or a status
	// response for this one fetch (the server answered, so the
	// session is healthy) is a per-item problem.  Anything else is
	// the session failing and is left to the connection
	// controller.
	cause := errors.Cause(fetchErr)
	_, statusErr := cause.(*imap.Error)
	perItem := storeErr != nil || cause == remote.ErrMessageVanished || statusErr
	if !perItem {
		return false, errors.Wrapf(fetchErr, "fetching %s/%d", folder, env.UID)
	}

	attempts, err := db.NoteItemFailure(ctx, folder, env.UID, fetchErr.Error())
	if err != nil {
		return false, err
	}
	if attempts >= opts.MaxItemAttempts {
		res.abandoned++
		obs.MessagesAbandoned.Inc()
		obs.Event("sync.item_abandoned", observe.Fields{
			"folder":   folder,
			"uid":      env.UID,
			"attempts": attempts,
			"error":    fetchErr.Error(),
		})
		if err := db.ClearItemFailure(ctx, folder, env.UID); err != nil {
			return false, err
		}
		// Abandoned counts as processed for contiguity.
		return true, nil
	}

	res.blockedCount++
	obs.Event("sync.item_failed", observe.Fields{
		"folder":   folder,
		"uid":      env.UID,
		"attempts": attempts,
		"error":    fetchErr.Error(),
	})
	return false, nil
}
