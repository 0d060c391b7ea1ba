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

package archive

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marmstrong/mailmirror/internal/message"

	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// headerInfo is the minimal header material needed to confirm a
// message's identity and fill its sidecar.
type headerInfo struct {
	messageID      string
	subject        string
	from           string
	to             []string
	date           time.Time
	hasAttachments bool
}

// readHeader parses only the header section of the staged message.
// The body is never read; identity confirmation must stay cheap.
func readHeader(path string) (headerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return headerInfo{}, errors.Wrap(err, "opening staged message")
	}
	defer f.Close()

	mr, err := mail.CreateReader(f)
	if err != nil && mr == nil {
		return headerInfo{}, errors.Wrap(err, "parsing message header")
	}
	h := mr.Header

	var info headerInfo
	info.messageID, _ = h.MessageID()
	info.subject, _ = h.Subject()
	info.date, _ = h.Date()

	if froms, err := h.AddressList("From"); err == nil && len(froms) > 0 {
		if froms[0].Name != "" {
			info.from = froms[0].Name
		} else {
			info.from = froms[0].Address
		}
	}
	if tos, err := h.AddressList("To"); err == nil {
		for _, to := range tos {
			info.to = append(info.to, to.Address)
		}
	}

	// multipart/mixed is how attachments are delivered in
	// practice; inspecting every part would mean reading the body.
	if t, _, err := h.ContentType(); err == nil {
		info.hasAttachments = strings.EqualFold(t, "multipart/mixed")
	}
	return info, nil
}

func encodeSidecar(w io.Writer, sc message.Sidecar) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(sc), "encoding sidecar")
}

// ReadSidecar loads the sidecar artifact at path.
func ReadSidecar(path string) (message.Sidecar, error) {
	var sc message.Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, errors.Wrapf(err, "reading sidecar %q", path)
	}
	if err := json.Unmarshal(b, &sc); err != nil {
		return sc, errors.Wrapf(err, "decoding sidecar %q", path)
	}
	return sc, nil
}

// WalkSidecars enumerates every sidecar artifact under root, calling
// handler for each.  The traversal uses an explicit worklist so
// arbitrarily deep folder hierarchies cannot exhaust the stack.
// Undecodable sidecars are skipped; recovery must make it through
// whatever is on disk.
func WalkSidecars(ctx context.Context, root string, handler func(message.Sidecar) error) error {
	work := []string{root}
	for len(work) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := work[len(work)-1]
		work = work[:len(work)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return errors.Wrapf(err, "listing %q", dir)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() {
				if name == stagingDirName {
					continue
				}
				work = append(work, filepath.Join(dir, name))
				continue
			}
			if !strings.HasSuffix(name, sidecarSuffix) {
				continue
			}
			sc, err := ReadSidecar(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if err := handler(sc); err != nil {
				return err
			}
		}
	}
	return nil
}
