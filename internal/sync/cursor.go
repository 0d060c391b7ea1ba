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

package sync

import (
	"context"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"
	"marmstrong/mailmirror/internal/persist"
)

// cursors decides per folder where to resume and when the checkpoint
// may advance.
type cursors struct {
	db  *persist.DB
	obs *observe.Observer
}

// resumePoint returns the first UID to request for the folder.  A
// stored cursor is honored only when its validity epoch matches the
// one the remote reports now; on mismatch the whole folder is
// re-offered from the start and dedup turns the rerun into a no-op
// for everything already archived.
func (c *cursors) resumePoint(ctx context.Context, folder string, validity uint32) (uint32, bool, error) {
	cur, err := c.db.GetCursor(ctx, folder)
	if err != nil {
		return 0, false, err
	}
	if cur == nil {
		return 1, true, nil
	}
	if cur.UIDValidity != validity {
		c.obs.Event("cursor.epoch_reset", observe.Fields{
			"folder":     folder,
			"stored":     cur.UIDValidity,
			"reported":   validity,
			"discarding": cur.LastUID,
		})
		return 1, true, nil
	}
	return cur.LastUID + 1, false, nil
}

// commit persists the new checkpoint.  Callers must pass the highest
// UID for which every message up to and including it has been durably
// processed, and must call this only after the batch's writes and
// index records are committed.  Committing the highest merely
// *attempted* UID would silently drop any mid-batch failure from the
// next run's range.
func (c *cursors) commit(ctx context.Context, folder string, highestContiguous, validity uint32) error {
	if err := c.db.SetCursor(ctx, message.Cursor{
		Folder:      folder,
		UIDValidity: validity,
		LastUID:     highestContiguous,
	}); err != nil {
		return err
	}
	c.obs.Event("cursor.commit", observe.Fields{
		"folder":   folder,
		"last_uid": highestContiguous,
		"validity": validity,
	})
	return nil
}
