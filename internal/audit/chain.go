// Package audit implements the tamper-evident audit ledger.
//
// Every sensitive mutation in the host system is recorded as an Entry.
// Each entry's digest is SHA-256 over its canonical fields plus the digest
// of the entry before it, so the whole ledger forms a single hash chain:
// altering, removing or reordering any committed entry breaks the chain
// from that point forward, and the Verifier reports exactly where.
//
// The package owns the chain discipline (Writer), verification, queries,
// compliance exports and retention. Persistence is behind the Store
// interface; see internal/store for the SQLite and PostgreSQL backends.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// GenesisDigest is the previous_digest of the first entry ever written.
var GenesisDigest = strings.Repeat("0", sha256.Size*2)

// canonicalVersion tags the canonical layout. Bump only together with a
// migration that re-anchors existing chains.
const canonicalVersion = "v1"

// TimeLayout is the canonical text form of created_at: fixed width,
// microsecond precision, always UTC.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or any RFC 3339) timestamp into UTC.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ComputeDigest returns the hex-encoded SHA-256 digest of e's canonical
// fields combined with previous. The entry's own Sequence, Digest,
// PreviousDigest and Signature fields do not take part.
//
// Field order is fixed:
//
//	tenant, actor, action, category, severity, entity_type, entity_id,
//	before, after, context (ip, user agent, device, session, request),
//	metadata, created_at
func ComputeDigest(e *Entry, previous string) string {
	h := sha256.New()
	h.Write(canonicalBytes(e))
	h.Write([]byte{'|'})
	h.Write([]byte(previous))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyEntry reports whether e.Digest matches a recomputation over e's
// fields and e.PreviousDigest.
func VerifyEntry(e *Entry) bool {
	return e.Digest == ComputeDigest(e, e.PreviousDigest)
}

// canonicalBytes serializes the hashed fields as a JSON array. Absent
// optional values are JSON null, so "" and missing never collide with a
// present value. Metadata is a JSON object, whose keys encoding/json
// always writes sorted.
func canonicalBytes(e *Entry) []byte {
	var userID, username any
	if e.Actor != nil {
		userID, username = optional(e.Actor.UserID), optional(e.Actor.Username)
	}

	meta, err := EncodeMetadata(e.Metadata)
	if err != nil {
		// Unencodable metadata is rejected by Request validation; an entry
		// built by hand still hashes deterministically.
		meta = []byte(strconv.Quote("!metadata: " + err.Error()))
	}
	if meta == nil {
		meta = []byte("null")
	}

	fields := []any{
		canonicalVersion,
		optional(e.TenantID),
		userID,
		username,
		e.Action,
		string(e.Category),
		string(e.Severity),
		optional(e.EntityType),
		optional(e.EntityID),
		optionalBlob(e.Before),
		optionalBlob(e.After),
		optional(e.Context.IPAddress),
		optional(e.Context.UserAgent),
		optional(e.Context.Device),
		optional(e.Context.SessionID),
		optional(e.Context.RequestID),
		json.RawMessage(meta),
		FormatTime(e.CreatedAt),
	}

	// Every element above is a string, nil or pre-encoded JSON, so
	// marshaling cannot fail.
	data, _ := json.Marshal(fields)
	return data
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optionalBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return base64.StdEncoding.EncodeToString(b)
}
