// Package value implements the tagged-union value model (C1): the six
// variants a named setting can hold, their encoding into the thirteen-column
// row shape shared by the current-value and history tables, and structural
// comparison.
package value

import (
	"crypto/sha256"

	"github.com/tonimelisma/settingsengine/pkg/filetime"
)

// Kind discriminates the tagged union. The zero value, KindDeleted, is the
// tombstone variant — a history entry, not a row removal.
type Kind int

const (
	KindDeleted Kind = iota
	KindDword
	KindQword
	KindBool
	KindString
	KindBlob
)

func (k Kind) String() string {
	switch k {
	case KindDeleted:
		return "deleted"
	case KindDword:
		return "dword"
	case KindQword:
		return "qword"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// HashSize is the width of a blob's content hash, matching the "fixed width
// (e.g. 32 bytes)" cryptographic hash named in spec §3.
const HashSize = sha256.Size

// Hash is a blob's content hash.
type Hash [HashSize]byte

// Sum computes the content hash of a blob payload.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// Value is the tagged union described in spec §3: a variant payload plus
// the {when, by} metadata pair every value carries.
type Value struct {
	Kind Kind
	When filetime.Ticks
	By   string // originating endpoint GUID

	Dword  uint32
	Qword  uint64
	Bool   bool
	String string

	// Blob payload. BlobHash and BlobSize are always populated for
	// KindBlob. BlobStreamID is the C2 stream id once persisted (0 until
	// then). BlobData carries the payload bytes: set by Blob before the
	// first write, and filled from the stream store when a persisted value
	// is read back.
	BlobHash     Hash
	BlobSize     int64
	BlobStreamID int64
	BlobData     []byte
}

// Dword constructs a KindDword value.
func Dword(v uint32, by string, when filetime.Ticks) Value {
	return Value{Kind: KindDword, Dword: v, By: by, When: when}
}

// Qword constructs a KindQword value.
func Qword(v uint64, by string, when filetime.Ticks) Value {
	return Value{Kind: KindQword, Qword: v, By: by, When: when}
}

// Bool constructs a KindBool value.
func Bool(v bool, by string, when filetime.Ticks) Value {
	return Value{Kind: KindBool, Bool: v, By: by, When: when}
}

// String constructs a KindString value.
func String(v string, by string, when filetime.Ticks) Value {
	return Value{Kind: KindString, String: v, By: by, When: when}
}

// Blob constructs a KindBlob value from an in-memory payload. The caller
// must still route it through a stream store before it can be persisted;
// Sum() fills BlobHash and len(data) fills BlobSize.
func Blob(data []byte, by string, when filetime.Ticks) Value {
	return Value{
		Kind:     KindBlob,
		BlobHash: Sum(data),
		BlobSize: int64(len(data)),
		BlobData: data,
		By:       by,
		When:     when,
	}
}

// Deleted constructs a tombstone.
func Deleted(by string, when filetime.Ticks) Value {
	return Value{Kind: KindDeleted, By: by, When: when}
}

// IsTombstone reports whether v is a deletion marker.
func (v Value) IsTombstone() bool { return v.Kind == KindDeleted }

// payloadEqual compares only the variant discriminator and payload,
// ignoring When/By.
func payloadEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case KindDeleted:
		return true
	case KindDword:
		return a.Dword == b.Dword
	case KindQword:
		return a.Qword == b.Qword
	case KindBool:
		return a.Bool == b.Bool
	case KindString:
		return a.String == b.String
	case KindBlob:
		return a.BlobHash == b.BlobHash && a.BlobSize == b.BlobSize
	default:
		return false
	}
}

// Compare performs structural comparison per spec §4.1: always compares
// variant + payload; when ignoreMetadata is false it additionally requires
// When and By to match.
func Compare(a, b Value, ignoreMetadata bool) bool {
	if !payloadEqual(a, b) {
		return false
	}

	if ignoreMetadata {
		return true
	}

	return a.When == b.When && a.By == b.By
}

// Less orders two values within one key's history: by When, with ties
// broken by a stable bytewise compare of By (spec §3, invariant 3).
func Less(a, b Value) bool {
	if a.When != b.When {
		return a.When < b.When
	}

	return a.By < b.By
}
