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

// This file provides the remote-facing interface the sync pipeline
// consumes, declared here on the consumer side.

import (
	"context"
	"io"

	"marmstrong/mailmirror/internal/message"
	"marmstrong/mailmirror/internal/remote"
)

// FolderSelector selects a remote folder and reports its validity
// epoch and next identifier.
type FolderSelector interface {
	SelectFolder(ctx context.Context, folder string) (remote.FolderStatus, error)
}

// EnvelopePeeker retrieves lightweight metadata for a UID range in
// one round trip, without transferring content.
type EnvelopePeeker interface {
	PeekEnvelopes(ctx context.Context, start, end uint32) ([]message.Envelope, error)
}

// BodyFetcher streams one message's full content to a consumer.
type BodyFetcher interface {
	FetchBody(ctx context.Context, uid uint32, consume func(io.Reader) error) error
}

// Mailbox provides all remote actions the pipeline needs.
type Mailbox interface {
	FolderSelector
	EnvelopePeeker
	BodyFetcher
}
