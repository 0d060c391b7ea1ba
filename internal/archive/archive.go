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

// Package archive owns the durable on-disk mailbox mirror: raw
// message artifacts plus one sidecar metadata artifact each, laid out
// per folder for direct human browsing.  Artifacts are published with
// a stage-then-rename pattern and are never modified or deleted once
// committed.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/observe"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	stagingDirName = ".staging"

	contentSuffix = ".eml"
	sidecarSuffix = ".json"
)

// Index is the subset of the index store the writer needs for its
// dedup decisions.
type Index interface {
	ExistsByIdentity(ctx context.Context, id string) (bool, error)
	InsertIfAbsent(ctx context.Context, rec message.Record) (bool, error)
}

// Writer streams message content into the archive.
type Writer struct {
	root  string
	index Index
	obs   *observe.Observer
}

// NewWriter prepares the archive rooted at root, creating the root
// and its staging area.  The staging area lives under the root so the
// final rename never crosses a filesystem boundary.
func NewWriter(root string, index Index, obs *observe.Observer) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(root, stagingDirName), dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "preparing archive at %q", root)
	}
	return &Writer{root: root, index: index, obs: obs}, nil
}

// Root returns the archive root directory.
func (w *Writer) Root() string {
	return w.root
}

// Store streams r into the archive under folder.  The identity is
// confirmed from the staged content (Message-Id header, then hint,
// then content digest) before publication; hint alone is never
// trusted, since it may be absent or disagree with the content.
//
// Returns (true, identity) when the message was newly stored and
// (false, identity) when it was already archived.  "Already on disk"
// is never an error.  Any failure before the atomic rename leaves at
// worst an orphaned staging file, never a partial final artifact.
func (w *Writer) Store(ctx context.Context, r io.Reader, hint, folder string, receivedAt time.Time) (bool, string, error) {
	defer w.obs.Span("archive.store")()
	start := time.Now()

	staged, err := os.CreateTemp(filepath.Join(w.root, stagingDirName), "stage-*")
	if err != nil {
		return false, "", errors.Wrap(err, "creating staging file")
	}
	stagedPath := staged.Name()
	// Discard the staged copy on every non-publish path.  Only a
	// successful rename below clears stagedPath.
	defer func() {
		if stagedPath != "" {
			staged.Close()
			os.Remove(stagedPath)
		}
	}()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(staged, hash), r)
	if err != nil {
		return false, "", errors.Wrap(err, "streaming content to staging")
	}

	hdr, err := readHeader(stagedPath)
	if err != nil {
		// An unparseable message is still archived; it just
		// cannot contribute header metadata.
		w.obs.Event("archive.header_unparsed", observe.Fields{
			"folder": folder,
			"error":  err.Error(),
		})
		hdr = headerInfo{}
	}

	identity := message.NormalizeID(hdr.messageID)
	if identity == "" {
		identity = message.NormalizeID(hint)
	}
	if identity == "" {
		identity = "sha256-" + hex.EncodeToString(hash.Sum(nil))
	}

	// Re-check with the confirmed identity.  A pre-check on the
	// hint can race with the identity discovered only now.
	exists, err := w.index.ExistsByIdentity(ctx, identity)
	if err != nil {
		return false, identity, err
	}
	if exists {
		w.obs.MessagesSkipped.Inc()
		return false, identity, nil
	}

	folderDir := filepath.Join(w.root, filepath.FromSlash(folder))
	if err := os.MkdirAll(folderDir, dirFileMode); err != nil {
		return false, identity, errors.Wrapf(err, "creating folder dir %q", folderDir)
	}

	base := escape(identity)
	finalPath := filepath.Join(folderDir, base+contentSuffix)
	if _, err := os.Stat(finalPath); err == nil {
		// Dedup race, or an artifact the index does not know
		// about yet (e.g. an interrupted rebuild).  Keep the
		// existing artifact untouched and make sure the
		// sidecar and index record exist; a crash between the
		// content rename and the sidecar write lands here on
		// rerun.
		sc := message.Sidecar{
			Identity:       identity,
			Subject:        hdr.subject,
			From:           hdr.from,
			To:             hdr.to,
			Date:           hdr.date,
			Folder:         folder,
			ArchivedAt:     receivedAt,
			HasAttachments: hdr.hasAttachments,
		}
		if err := w.writeSidecar(filepath.Join(folderDir, base+sidecarSuffix), sc); err != nil {
			return false, identity, err
		}
		if _, err := w.index.InsertIfAbsent(ctx, message.Record{
			Identity:   identity,
			Folder:     folder,
			ImportedAt: time.Now(),
		}); err != nil {
			return false, identity, err
		}
		w.obs.MessagesSkipped.Inc()
		return false, identity, nil
	}

	if err := staged.Sync(); err != nil {
		return false, identity, errors.Wrap(err, "syncing staged content")
	}
	if err := staged.Close(); err != nil {
		return false, identity, errors.Wrap(err, "closing staged content")
	}
	if err := os.Rename(stagedPath, finalPath); err != nil {
		return false, identity, errors.Wrapf(err, "publishing %q", finalPath)
	}
	stagedPath = ""
	if err := syncDir(folderDir); err != nil {
		return false, identity, err
	}

	sc := message.Sidecar{
		Identity:       identity,
		Subject:        hdr.subject,
		From:           hdr.from,
		To:             hdr.to,
		Date:           hdr.date,
		Folder:         folder,
		ArchivedAt:     receivedAt,
		HasAttachments: hdr.hasAttachments,
	}
	if err := w.writeSidecar(filepath.Join(folderDir, base+sidecarSuffix), sc); err != nil {
		return false, identity, err
	}

	if _, err := w.index.InsertIfAbsent(ctx, message.Record{
		Identity:   identity,
		Folder:     folder,
		ImportedAt: time.Now(),
	}); err != nil {
		return false, identity, err
	}

	w.obs.MessagesStored.Inc()
	w.obs.BytesWritten.Add(float64(size))
	w.obs.WriteSeconds.Observe(time.Since(start).Seconds())
	w.obs.Event("archive.stored", observe.Fields{
		"identity": identity,
		"folder":   folder,
		"bytes":    size,
	})
	return true, identity, nil
}

// writeSidecar publishes the sidecar with the same stage-then-rename
// pattern as the content artifact.  An existing sidecar is left
// untouched.
func (w *Writer) writeSidecar(path string, sc message.Sidecar) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	staged, err := os.CreateTemp(filepath.Join(w.root, stagingDirName), "sidecar-*")
	if err != nil {
		return errors.Wrap(err, "creating sidecar staging file")
	}
	stagedPath := staged.Name()
	defer func() {
		if stagedPath != "" {
			staged.Close()
			os.Remove(stagedPath)
		}
	}()

	if err := encodeSidecar(staged, sc); err != nil {
		return err
	}
	if err := staged.Sync(); err != nil {
		return errors.Wrap(err, "syncing sidecar")
	}
	if err := staged.Close(); err != nil {
		return errors.Wrap(err, "closing sidecar")
	}
	if err := os.Rename(stagedPath, path); err != nil {
		return errors.Wrapf(err, "publishing sidecar %q", path)
	}
	stagedPath = ""
	return syncDir(filepath.Dir(path))
}

// syncDir opens a directory and syncs its contents to disk, making
// the preceding rename durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open directory %q for sync", dir)
	}
	err = d.Sync()
	d.Close()
	return errors.Wrapf(err, "sync directory %q", dir)
}

// Return the specified string with characters that should not appear
// in an archive filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in an archive filename.  Based on the POSIX portable
// filename character set, widened with a few characters common in
// Message-Ids so that typical names stay readable when browsing the
// archive directly.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}
	switch c {
	case '.', '-', '_', '@':
		return false
	}
	return true
}
