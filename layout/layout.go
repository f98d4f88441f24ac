// Package layout implements the Layout document (spec §6.1): the per-store
// text record of file paths and the three nobs* widths, plus the
// engine-private lt_firstGap key persisted on its behalf (spec SPEC_FULL.md
// Open Question 1).
//
// Obj is adapted from perkeep's pkg/jsonconfig.Obj: a map-backed accessor
// whose accessors record every missing or illegal value, which Validate then
// reports; ParseStoreLayout checks the vlDataFile/nobsOutrowPtr pairing
// itself (spec §6.1's prerequisite rule). The recursive file-include
// expansion of the original is dropped: a layout here is always produced
// in-memory by the out-of-scope façade, never hand-edited on disk.
package layout

import (
	"encoding/json"
	"fmt"

	"github.com/acdp-go/acdpcore/acdperr"
)

// Obj is a single store's layout entries.
type Obj struct {
	m       map[string]interface{}
	known   map[string]bool
	errs    []error
}

// New wraps a raw map as a layout Obj.
func New(m map[string]interface{}) *Obj {
	return &Obj{m: m, known: make(map[string]bool, len(m))}
}

// Parse decodes a JSON document into a layout Obj.
func Parse(data []byte) (*Obj, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("layout: parse: %w", err)
	}
	return New(m), nil
}

func (o *Obj) note(key string) { o.known[key] = true }

func (o *Obj) fail(err error) { o.errs = append(o.errs, err) }

// RequiredString returns the string at key, recording a MissingEntry error
// if absent or empty (spec §6.1: "empty string -> illegal").
func (o *Obj) RequiredString(key string) string {
	o.note(key)
	v, ok := o.m[key]
	if !ok {
		o.fail(acdperr.MissingEntryErr(key))
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		o.fail(fmt.Errorf("layout: key %q must be a non-empty string", key))
		return ""
	}
	return s
}

// OptionalString returns the string at key, or "" if absent. An empty string
// value (present but "") is illegal, matching RequiredString's rule.
func (o *Obj) OptionalString(key string) string {
	o.note(key)
	v, ok := o.m[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok || s == "" {
		o.fail(fmt.Errorf("layout: key %q must be a non-empty string", key))
		return ""
	}
	return s
}

// RequiredInt returns an integer at key bounded to [lo, hi], recording an
// error if the key is absent or out of range (spec §6.1).
func (o *Obj) RequiredInt(key string, lo, hi int) int {
	o.note(key)
	v, ok := o.m[key]
	if !ok {
		o.fail(acdperr.MissingEntryErr(key))
		return 0
	}
	n, ok := asInt(v)
	if !ok {
		o.fail(fmt.Errorf("layout: key %q must be an integer", key))
		return 0
	}
	if n < lo || n > hi {
		o.fail(fmt.Errorf("layout: key %q = %d out of range [%d,%d]", key, n, lo, hi))
		return 0
	}
	return n
}

// OptionalInt returns the integer at key, or def if absent.
func (o *Obj) OptionalInt(key string, def int) int {
	o.note(key)
	v, ok := o.m[key]
	if !ok {
		return def
	}
	n, ok := asInt(v)
	if !ok {
		o.fail(fmt.Errorf("layout: key %q must be an integer", key))
		return def
	}
	return n
}

// Has reports whether key is present, without marking an error either way.
func (o *Obj) Has(key string) bool {
	o.note(key)
	_, ok := o.m[key]
	return ok
}

// Set installs/overwrites a key (used by schema-change operations that
// persist derived parameters back into the layout, spec §4.6).
func (o *Obj) Set(key string, value interface{}) {
	o.m[key] = value
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// Validate returns an aggregate error if any accessor recorded a problem. It
// does not check prerequisites between keys; ParseStoreLayout does that.
func (o *Obj) Validate() error {
	if len(o.errs) > 0 {
		return fmt.Errorf("layout: %d error(s), first: %w", len(o.errs), o.errs[0])
	}
	return nil
}

// StoreLayout is the typed view of a single table's layout entries, derived
// by calling the Obj accessors in the order spec §6.1 documents them.
type StoreLayout struct {
	FLDataFile    string
	VLDataFile    string // "" iff the table has no outrow column
	NobsRowRef    int
	NobsOutrowPtr int // 0 iff VLDataFile == ""
	NobsRefCount  int // 0 iff the table is unreferenced
	FirstGap      int64
}

// ParseStoreLayout applies spec §6.1's prerequisite rules: vlDataFile implies
// nobsOutrowPtr and vice versa; nobsRefCount is present only if referenced.
func ParseStoreLayout(o *Obj) (StoreLayout, error) {
	var sl StoreLayout
	sl.FLDataFile = o.RequiredString("flDataFile")
	sl.NobsRowRef = o.RequiredInt("nobsRowRef", 1, 8)

	hasVL := o.Has("vlDataFile")
	hasPtr := o.Has("nobsOutrowPtr")
	if hasVL != hasPtr {
		return sl, fmt.Errorf("layout: vlDataFile and nobsOutrowPtr must both be present or both absent")
	}
	if hasVL {
		sl.VLDataFile = o.RequiredString("vlDataFile")
		sl.NobsOutrowPtr = o.RequiredInt("nobsOutrowPtr", 1, 8)
	}

	if o.Has("nobsRefCount") {
		sl.NobsRefCount = o.RequiredInt("nobsRefCount", 1, 8)
	}
	sl.FirstGap = int64(o.OptionalInt("lt_firstGap", -1))
	return sl, o.Validate()
}
