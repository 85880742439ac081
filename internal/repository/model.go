package repository

import (
	"bytes"
	"encoding/json"
)

// Record is one page object returned by the Notion API. Its shape is never
// interpreted, only carried.
type Record = json.RawMessage

// Snapshot is the ordered result of one complete pagination traversal.
type Snapshot []Record

// EmptySnapshot returns a non-nil empty snapshot so it encodes as [] instead of null.
func EmptySnapshot() Snapshot {
	return Snapshot{}
}

// Len returns the number of records, treating nil as empty.
func (s Snapshot) Len() int {
	return len(s)
}

// MarshalJSON encodes a nil snapshot as an empty array.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]json.RawMessage(s))
}

// Equal reports whether both snapshots hold the same records in the same
// order. Records are compared after compaction so formatting differences
// introduced by upstream pretty-printing are ignored.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if !recordsEqual(s[i], other[i]) {
			return false
		}
	}
	return true
}

func recordsEqual(a, b Record) bool {
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Compact(&cb, b); err != nil {
		return bytes.Equal(a, b)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
