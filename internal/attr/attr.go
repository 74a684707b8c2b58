// Package attr implements the ordered string-keyed record that hold files,
// destination sub-records and spool control files are built from.
//
// Values are stored as strings; integer views read and write through the
// same storage. Key order is the order of first insertion and is preserved
// when a record is encoded, but never matters for lookup.
package attr

import (
	"sort"
	"strconv"
	"strings"
)

// Record is an ordered mapping from keys to string values.
// The zero value is an empty record ready to use.
type Record struct {
	keys []string
	vals map[string]string
}

// New creates an empty record.
func New() *Record {
	return &Record{vals: make(map[string]string)}
}

// FromMap builds a record from m with keys in sorted order.
func FromMap(m map[string]string) *Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r := New()
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}

// Len returns the number of keys in the record.
func (r *Record) Len() int {
	return len(r.keys)
}

// Get returns the value stored under key and whether it was present.
func (r *Record) Get(key string) (string, bool) {
	v, ok := r.vals[key]
	return v, ok
}

// Value returns the value stored under key, or "" when absent.
func (r *Record) Value(key string) string {
	return r.vals[key]
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.vals[key]
	return ok
}

// Set stores value under key, overwriting any previous value.
func (r *Record) Set(key, value string) {
	if r.vals == nil {
		r.vals = make(map[string]string)
	}
	if _, ok := r.vals[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.vals[key] = value
}

// GetInt returns the integer view of key. Absent or non-numeric values
// read as zero.
func (r *Record) GetInt(key string) int64 {
	v, ok := r.vals[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// SetInt stores n under key in decimal.
func (r *Record) SetInt(key string, n int64) {
	r.Set(key, strconv.FormatInt(n, 10))
}

// GetBool returns true for "1", "true", "yes" and "on".
func (r *Record) GetBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.vals[key])) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// SetBool stores b as "1" or "0".
func (r *Record) SetBool(key string, b bool) {
	if b {
		r.Set(key, "1")
		return
	}
	r.Set(key, "0")
}

// Delete removes key. Deleting an absent key is a no-op.
func (r *Record) Delete(key string) {
	if _, ok := r.vals[key]; !ok {
		return
	}
	delete(r.vals, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

// Merge copies every key of other into r. Existing keys are replaced only
// when overwrite is true.
func (r *Record) Merge(other *Record, overwrite bool) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		if !overwrite && r.Has(k) {
			continue
		}
		r.Set(k, other.vals[k])
	}
}

// Clear removes every key.
func (r *Record) Clear() {
	r.keys = nil
	r.vals = make(map[string]string)
}

// Keys returns a copy of the keys in insertion order.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Clone returns an independent copy of r.
func (r *Record) Clone() *Record {
	c := New()
	c.Merge(r, true)
	return c
}

// Sub extracts the keys that start with prefix into a new record, with the
// prefix stripped.
func (r *Record) Sub(prefix string) *Record {
	s := New()
	for _, k := range r.keys {
		if strings.HasPrefix(k, prefix) {
			s.Set(strings.TrimPrefix(k, prefix), r.vals[k])
		}
	}
	return s
}

// DeletePrefix removes every key that starts with prefix.
func (r *Record) DeletePrefix(prefix string) {
	kept := r.keys[:0]
	for _, k := range r.keys {
		if strings.HasPrefix(k, prefix) {
			delete(r.vals, k)
			continue
		}
		kept = append(kept, k)
	}
	r.keys = kept
}

// Embed stores every key of sub into r under prefix.
func (r *Record) Embed(prefix string, sub *Record) {
	if sub == nil {
		return
	}
	for _, k := range sub.keys {
		r.Set(prefix+k, sub.vals[k])
	}
}
