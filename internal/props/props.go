// Package props implements the property multimap that is the unit of
// service payload and filter matching: a map from string keys to sets of
// typed values (integer or string), as described by spec §3/§4.1.
package props

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind distinguishes the two value types a property can hold.
type Kind int

const (
	KindInt Kind = iota
	KindString
)

// Value is a single typed property value. Exactly one of Int/Str is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind
	Int  int64
	Str  string
}

func Int(v int64) Value  { return Value{Kind: KindInt, Int: v} }
func Str(v string) Value { return Value{Kind: KindString, Str: v} }

func (v Value) String() string {
	if v.Kind == KindInt {
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindInt {
		return v.Int == o.Int
	}
	return v.Str == o.Str
}

// MarshalJSON encodes a Value as a bare JSON number or string, so the wire
// form of a props map reads like {"key": [1, "two"]}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindInt {
		return []byte(strconv.FormatInt(v.Int, 10)), nil
	}
	return json.Marshal(v.Str)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("props: empty value")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Str(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("props: value %q is neither a quoted string nor an integer", data)
	}
	*v = Int(n)
	return nil
}

// Props is a multimap from key to the set of values published under it.
// The zero value is an empty, usable Props.
type Props struct {
	m map[string][]Value
}

func New() *Props {
	return &Props{m: make(map[string][]Value)}
}

// FromWire builds a Props from a decoded wire representation, deduplicating
// values per key.
func FromWire(w map[string][]Value) *Props {
	p := New()
	for k, vs := range w {
		for _, v := range vs {
			p.Add(k, v)
		}
	}
	return p
}

// Add inserts v into the value set for key, ignoring it if already present.
func (p *Props) Add(key string, v Value) {
	if p.m == nil {
		p.m = make(map[string][]Value)
	}
	for _, existing := range p.m[key] {
		if existing.Equal(v) {
			return
		}
	}
	p.m[key] = append(p.m[key], v)
}

// Get returns the value set for key (nil if absent) and whether it exists.
func (p *Props) Get(key string) ([]Value, bool) {
	if p == nil {
		return nil, false
	}
	vs, ok := p.m[key]
	return vs, ok
}

// Keys returns the sorted set of keys present.
func (p *Props) Keys() []string {
	if p == nil {
		return nil
	}
	keys := make([]string, 0, len(p.m))
	for k := range p.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone deep-copies the Props.
func (p *Props) Clone() *Props {
	c := New()
	if p == nil {
		return c
	}
	for k, vs := range p.m {
		cp := make([]Value, len(vs))
		copy(cp, vs)
		c.m[k] = cp
	}
	return c
}

// Equal reports whether p and o hold the same keys with the same value sets,
// order-independent. Used to decide whether a republish with an unchanged
// generation is a true no-op or a same-generation-but-different conflict.
func (p *Props) Equal(o *Props) bool {
	pk, ok := p.normalized(), o.normalized()
	if len(pk) != len(ok) {
		return false
	}
	for k, vs := range pk {
		ovs, found := ok[k]
		if !found || len(vs) != len(ovs) {
			return false
		}
		for _, v := range vs {
			matched := false
			for _, ov := range ovs {
				if v.Equal(ov) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}

func (p *Props) normalized() map[string][]Value {
	if p == nil {
		return nil
	}
	return p.m
}

// ToWire returns the map suitable for JSON encoding on the wire.
func (p *Props) ToWire() map[string][]Value {
	if p == nil {
		return nil
	}
	return p.m
}
