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

package persist

import (
	"context"
	"fmt"
	"os"
	"time"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"

	"github.com/pkg/errors"
)

// SidecarWalker enumerates every sidecar artifact under the archive
// root, invoking handler for each.  Supplied by the archive package;
// declared here so persist does not depend on the archive layout.
type SidecarWalker func(ctx context.Context, handler func(message.Sidecar) error) error

// OpenOrRecover opens the store at path.  When the existing file is
// corrupt it is renamed aside with a timestamp suffix (never
// deleted), a fresh store is created, and message records are rebuilt
// from the sidecar artifacts via walk.  Cursors are left empty, which
// forces a full, deduplicated remote rescan on the next sync.
//
// Recovery is idempotent and resumable: every rebuild insert is an
// independent INSERT OR IGNORE keyed by identity, so an interrupted
// rebuild can simply be run again.
func OpenOrRecover(ctx context.Context, path string, walk SidecarWalker, obs *observe.Observer) (*DB, bool, error) {
	db, err := Open(ctx, path)
	if err == nil {
		return db, false, nil
	}
	if errors.Cause(err) != ErrCorrupt {
		return nil, false, err
	}

	quarantine := fmt.Sprintf("%s.corrupt-%s", path,
		time.Now().UTC().Format("20060102-150405"))
	if err := os.Rename(path, quarantine); err != nil {
		return nil, false, errors.Wrapf(err,
			"quarantining corrupt store %q", path)
	}
	// WAL sidefiles belong to the old store; move them with it so
	// the fresh store starts clean.
	for _, suffix := range []string{"-wal", "-shm"} {
		if renameErr := os.Rename(path+suffix, quarantine+suffix); renameErr != nil && !os.IsNotExist(renameErr) {
			return nil, false, errors.Wrapf(renameErr,
				"quarantining %q", path+suffix)
		}
	}
	obs.Event("index.quarantine", observe.Fields{
		"path":       path,
		"quarantine": quarantine,
	})

	db, err = Open(ctx, path)
	if err != nil {
		return nil, false, errors.Wrap(err, "creating replacement store")
	}

	if err := rebuild(ctx, db, walk, obs); err != nil {
		db.Close()
		return nil, false, err
	}
	return db, true, nil
}

func rebuild(ctx context.Context, db *DB, walk SidecarWalker, obs *observe.Observer) error {
	defer obs.Span("index.rebuild")()

	var inserted int64
	err := walk(ctx, func(sc message.Sidecar) error {
		ok, err := db.InsertIfAbsent(ctx, message.Record{
			Identity:   sc.Identity,
			Folder:     sc.Folder,
			ImportedAt: sc.ArchivedAt,
		})
		if err != nil {
			return err
		}
		if ok {
			inserted++
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "rebuilding index from sidecars")
	}
	obs.Event("index.rebuilt", observe.Fields{"records": inserted})
	return nil
}
