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

// Package persist is the embedded index store: message records,
// per-folder sync cursors, change signatures and the per-item failure
// ledger.  The store is a derived cache over the sidecar artifacts on
// disk and can always be rebuilt from them (see recover.go), so
// losing it is an inconvenience, never data loss.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"marmstrong/mailmirror/internal/message"

	"github.com/pkg/errors"
)

var (
	createTableSql = []string{
		// The messages table holds one row per archived message.
		//
		// Field: identity
		//
		//   The normalized unique message key: the Message-Id
		//   header when present, otherwise "sha256-" plus the
		//   hex content digest.  Presence of a row here is the
		//   sole authority for "already archived" during dedup
		//   checks.
		//
		// Field: folder
		//
		//   The folder the message was archived under.
		//
		// Field: imported_at
		//
		//   Unix nanoseconds at which the record was inserted.
		`
CREATE TABLE IF NOT EXISTS messages (
identity TEXT NOT NULL PRIMARY KEY,
folder TEXT NOT NULL,
imported_at INTEGER NOT NULL
);`,
		// The cursors table holds the per-folder sync
		// checkpoint.
		//
		// Field: uid_validity
		//
		//   The folder's validity epoch at the time the cursor
		//   was written.  A cursor whose uid_validity differs
		//   from the epoch currently reported by the remote is
		//   treated as absent: the remote has renumbered its
		//   identifier space.
		//
		// Field: last_uid
		//
		//   The highest UID for which all messages up to and
		//   including it were fully and durably processed.
		//   Advanced only after a batch commits.
		`
CREATE TABLE IF NOT EXISTS cursors (
folder TEXT NOT NULL PRIMARY KEY,
uid_validity INTEGER NOT NULL,
last_uid INTEGER NOT NULL
);`,
		// The signatures table holds one change fingerprint per
		// tracked local unit (file path or directory watermark).
		// Signatures let repeat passes classify units as
		// unchanged without reading content.
		`
CREATE TABLE IF NOT EXISTS signatures (
unit_key TEXT NOT NULL PRIMARY KEY,
size INTEGER NOT NULL,
mtime_unix_ns INTEGER NOT NULL,
digest TEXT NOT NULL DEFAULT ''
);`,
		// The fetch_failures table records per-item fetch
		// failures so the give-up policy is explicit state, not
		// an in-memory guess.  Rows are cleared when the item
		// eventually succeeds or is abandoned.
		`
CREATE TABLE IF NOT EXISTS fetch_failures (
folder TEXT NOT NULL,
uid INTEGER NOT NULL,
attempts INTEGER NOT NULL,
last_error TEXT NOT NULL,
PRIMARY KEY (folder, uid)
);`,
	}
)

// ErrCorrupt is the cause reported when the store file exists but
// cannot be opened or fails its integrity check.  Callers should
// quarantine and rebuild; see OpenOrRecover.
var ErrCorrupt = errors.New("index store corrupt")

type DB struct {
	db   *sql.DB
	path string
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens (or creates) the store at path and applies the schema.
// The returned error has cause ErrCorrupt when the existing file is
// structurally damaged.
func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice; go with 5 minutes.  WAL
	// with synchronous=NORMAL gives crash consistency plus
	// concurrent readers.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)},
		"_journal_mode": {"WAL"},
		"_synchronous":  {"NORMAL"},
	})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err := checkIntegrity(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		if ctx.Err() != nil {
			return nil, err
		}
		// A store whose schema cannot even be applied is not
		// usable; treat it the same as failed integrity.
		return nil, errors.Wrapf(ErrCorrupt,
			"Open(%q) failed: could not initialize the "+
				"database schema: %v", path, err)
	}

	return &DB{db: db, path: path}, nil
}

// checkIntegrity runs SQLite's quick_check.  Any outcome other than a
// clean "ok" reports ErrCorrupt as the cause.
func checkIntegrity(ctx context.Context, db *sql.DB) error {
	row := db.QueryRowContext(ctx, `PRAGMA quick_check(1)`)
	var result string
	if err := row.Scan(&result); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errors.Wrapf(ErrCorrupt, "quick_check failed: %v", err)
	}
	if result != "ok" {
		return errors.Wrapf(ErrCorrupt, "quick_check: %s", result)
	}
	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Path returns the filesystem path the store was opened with.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// ExistsByIdentity reports whether a message record exists for id.
func (db *DB) ExistsByIdentity(ctx context.Context, id string) (bool, error) {
	const q = `SELECT 1 FROM messages WHERE identity = $1`
	row := db.db.QueryRowContext(ctx, q, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errors.Wrapf(err, "existence check for %q failed", id)
	}
	return true, nil
}

// execer abstracts over DB and Tx for the few statements shared by
// both.
type execer interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
}

func insertIfAbsent(ctx context.Context, e execer, rec message.Record) (bool, error) {
	const q = `INSERT OR IGNORE INTO messages
		(identity, folder, imported_at) VALUES ($1, $2, $3)`
	res, err := e.ExecContext(ctx, q,
		rec.Identity, rec.Folder, rec.ImportedAt.UnixNano())
	if err != nil {
		return false, errors.Wrapf(err, "insert of %q failed", rec.Identity)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// InsertIfAbsent inserts rec unless a record with the same identity
// already exists.  Returns true when a row was inserted.  The insert
// is a single statement and therefore atomic, which is what makes
// recovery rebuild resumable.
func (db *DB) InsertIfAbsent(ctx context.Context, rec message.Record) (bool, error) {
	return insertIfAbsent(ctx, db.db, rec)
}

// InsertIfAbsent within an open transaction.
func (tx *Tx) InsertIfAbsent(ctx context.Context, rec message.Record) (bool, error) {
	return insertIfAbsent(ctx, tx.tx, rec)
}

// GetCursor returns the stored cursor for folder, or nil when none
// has been committed yet.
func (db *DB) GetCursor(ctx context.Context, folder string) (*message.Cursor, error) {
	const q = `SELECT uid_validity, last_uid FROM cursors WHERE folder = $1`
	row := db.db.QueryRowContext(ctx, q, folder)
	c := message.Cursor{Folder: folder}
	if err := row.Scan(&c.UIDValidity, &c.LastUID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading cursor for %q", folder)
	}
	return &c, nil
}

// SetCursor persists c, replacing any previous cursor for the folder.
func (db *DB) SetCursor(ctx context.Context, c message.Cursor) error {
	const q = `INSERT OR REPLACE INTO cursors
		(folder, uid_validity, last_uid) VALUES ($1, $2, $3)`
	_, err := db.db.ExecContext(ctx, q, c.Folder, c.UIDValidity, c.LastUID)
	return errors.Wrapf(err, "writing cursor for %q", c.Folder)
}

// GetSignature returns the stored change signature for key, or nil.
func (db *DB) GetSignature(ctx context.Context, key string) (*message.Signature, error) {
	const q = `SELECT size, mtime_unix_ns, digest FROM signatures WHERE unit_key = $1`
	row := db.db.QueryRowContext(ctx, q, key)
	sig := message.Signature{UnitKey: key}
	var mtime int64
	if err := row.Scan(&sig.Size, &mtime, &sig.Digest); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading signature for %q", key)
	}
	sig.ModTime = time.Unix(0, mtime)
	return &sig, nil
}

func putSignature(ctx context.Context, e execer, sig message.Signature) error {
	const q = `INSERT OR REPLACE INTO signatures
		(unit_key, size, mtime_unix_ns, digest) VALUES ($1, $2, $3, $4)`
	_, err := e.ExecContext(ctx, q,
		sig.UnitKey, sig.Size, sig.ModTime.UnixNano(), sig.Digest)
	return errors.Wrapf(err, "writing signature for %q", sig.UnitKey)
}

// PutSignature stores sig, replacing any previous fingerprint for the
// same unit.
func (db *DB) PutSignature(ctx context.Context, sig message.Signature) error {
	return putSignature(ctx, db.db, sig)
}

// PutSignature within an open transaction; the scanner batches
// signature updates per directory.
func (tx *Tx) PutSignature(ctx context.Context, sig message.Signature) error {
	return putSignature(ctx, tx.tx, sig)
}

// NoteItemFailure bumps the failure count for a per-item fetch
// failure and returns the new attempt count.
func (db *DB) NoteItemFailure(ctx context.Context, folder string, uid uint32, cause string) (int, error) {
	const q = `INSERT INTO fetch_failures (folder, uid, attempts, last_error)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (folder, uid)
		DO UPDATE SET attempts = attempts + 1, last_error = $3`
	if _, err := db.db.ExecContext(ctx, q, folder, uid, cause); err != nil {
		return 0, errors.Wrapf(err, "recording failure for %s/%d", folder, uid)
	}
	return db.ItemAttempts(ctx, folder, uid)
}

// ItemAttempts returns the number of failed attempts recorded for the
// item, zero when none.
func (db *DB) ItemAttempts(ctx context.Context, folder string, uid uint32) (int, error) {
	const q = `SELECT attempts FROM fetch_failures WHERE folder = $1 AND uid = $2`
	row := db.db.QueryRowContext(ctx, q, folder, uid)
	var n int
	if err := row.Scan(&n); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "reading failure count for %s/%d", folder, uid)
	}
	return n, nil
}

// ClearItemFailure drops the failure record for the item, if any.
func (db *DB) ClearItemFailure(ctx context.Context, folder string, uid uint32) error {
	const q = `DELETE FROM fetch_failures WHERE folder = $1 AND uid = $2`
	_, err := db.db.ExecContext(ctx, q, folder, uid)
	return errors.Wrapf(err, "clearing failure record for %s/%d", folder, uid)
}

// CountMessages returns the number of message records in the store.
func (db *DB) CountMessages(ctx context.Context) (int64, error) {
	row := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting messages")
	}
	return n, nil
}
