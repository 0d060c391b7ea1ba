package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Envelope holds the lightweight per-message metadata returned by the
// remote's peek phase, before any content has been transferred.
type Envelope struct {
	// The remote's per-folder identifier for the message.  Only
	// meaningful together with the folder's validity epoch.
	UID uint32

	// The message's Message-Id header as reported by the remote,
	// possibly empty.  Used as an identity hint only; the
	// authoritative identity is confirmed after staging.
	MessageID string

	Subject string
	From    string
	To      []string
	Date    time.Time
}

// Record is the index store's entry for an archived message.
// Presence of a Record is the sole authority for "already archived"
// during dedup checks.
type Record struct {
	// Identity is the normalized, unique key for the message:
	// the Message-Id when present, otherwise a content digest.
	Identity string

	// Folder the message was archived under.
	Folder string

	ImportedAt time.Time
}

// Sidecar is the durable metadata artifact stored beside each raw
// content artifact.  The set of sidecars on disk is the ground truth
// from which the index store can always be rebuilt.
type Sidecar struct {
	Identity       string    `json:"identity"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Folder         string    `json:"folder"`
	ArchivedAt     time.Time `json:"archived_at"`
	HasAttachments bool      `json:"has_attachments"`
}

// Cursor is the per-folder sync checkpoint.  LastUID is the highest
// remote identifier for which all messages up to and including it
// have been durably processed.  A cursor is trusted only while
// UIDValidity matches the folder's current validity epoch on the
// remote.
type Cursor struct {
	Folder      string
	UIDValidity uint32
	LastUID     uint32
}

// Signature is a cheap change fingerprint for a tracked local unit.
// It decides "has this changed since the last run" without reading
// content; it is never authoritative for existence.
type Signature struct {
	UnitKey string
	Size    int64
	ModTime time.Time
	Digest  string
}
