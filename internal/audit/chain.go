// Package audit implements the tamper-evident, hash-chained audit trail.
//
// Every security-relevant action (login, record access, document upload,
// key rotation, chain verification) is recorded as an Event. Each event's
// hash covers a canonical serialization of its fields followed by the
// previous event's hash, so modifying, removing or reordering any stored
// event breaks the chain from that point forward:
//
//	hash(n) = "sha256:" + hex(SHA-256(canonical(n) || hash(n-1)))
//
// The first event links to GenesisHash. Sequence numbers and previous hashes
// are assigned by the Store inside a single atomic read-tail-and-append, so
// concurrent writers can never fork the chain.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// GenesisHash is the PrevHash of the first event in every chain.
const GenesisHash = "sha256:genesis"

// canonicalVersion prefixes every canonical serialization. Changing the
// field set or encoding requires a new version.
const canonicalVersion = "medledger-audit-v1"

// Canonical returns the byte encoding the event hash is computed over:
//
//	medledger-audit-v1\n
//	seq:<len>:<value>\n
//	ts:<len>:<value>\n
//	...
//
// Fields appear in a fixed order and every value is length-prefixed, so a
// value containing ':' or '\n' cannot be confused with a field boundary.
// PrevHash and Hash are not part of the encoding.
func Canonical(e *Event) []byte {
	var b bytes.Buffer
	b.Grow(256)
	b.WriteString(canonicalVersion)
	b.WriteByte('\n')

	field(&b, "seq", strconv.FormatUint(e.Seq, 10))
	field(&b, "ts", formatTime(e.Timestamp))
	field(&b, "actor_id", e.ActorID)
	field(&b, "actor_role", e.ActorRole)
	field(&b, "action", e.Action)
	field(&b, "resource_type", e.ResourceType)
	field(&b, "resource_id", e.ResourceID)
	field(&b, "source_ip", e.SourceIP)
	field(&b, "user_agent", e.UserAgent)
	field(&b, "request_id", e.RequestID)
	field(&b, "outcome", strconv.Itoa(e.OutcomeCode))
	return b.Bytes()
}

func field(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(len(value)))
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('\n')
}

// ComputeHash returns the chained hash of e given its current PrevHash.
// Returns a prefixed hash string: "sha256:<hex>".
func ComputeHash(e *Event) string {
	h := sha256.New()
	h.Write(Canonical(e))
	h.Write([]byte(e.PrevHash))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// formatTime renders a timestamp the way it is hashed: RFC 3339 in UTC with
// as many fractional digits as needed.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
