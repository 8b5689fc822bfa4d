package clean

import (
	"math"
	"math/big"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindNull
	KindNumber
	KindBool
	KindText
	KindList
	KindMap
	KindPattern
	KindSymbol
	KindBigInt
)

var kindNames = [...]string{
	KindAbsent:  "absent",
	KindNull:    "null",
	KindNumber:  "number",
	KindBool:    "bool",
	KindText:    "text",
	KindList:    "list",
	KindMap:     "map",
	KindPattern: "pattern",
	KindSymbol:  "symbol",
	KindBigInt:  "bigint",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is an immutable tagged union over request data. The zero Value is
// Absent, meaning "field removed".
type Value struct {
	kind  Kind
	num   float64
	truth bool
	text  string // text, symbol, pattern source
	flags string // pattern flags
	big   *big.Int
	items []Value
	pairs []Entry
}

// Entry is one key/value pair of a Map, in insertion order.
type Entry struct {
	Key   string
	Value Value
}

func Absent() Value             { return Value{} }
func Null() Value               { return Value{kind: KindNull} }
func NewNumber(f float64) Value { return Value{kind: KindNumber, num: f} }
func NewBool(b bool) Value      { return Value{kind: KindBool, truth: b} }
func NewText(s string) Value    { return Value{kind: KindText, text: s} }
func NewSymbol(s string) Value  { return Value{kind: KindSymbol, text: s} }

// NewPattern holds a regular expression source and its flags without compiling it.
func NewPattern(source, flags string) Value {
	return Value{kind: KindPattern, text: source, flags: flags}
}

// NewBigInt copies i. A nil i yields Absent.
func NewBigInt(i *big.Int) Value {
	if i == nil {
		return Absent()
	}
	return Value{kind: KindBigInt, big: new(big.Int).Set(i)}
}

// NewList copies items.
func NewList(items ...Value) Value {
	return Value{kind: KindList, items: append([]Value(nil), items...)}
}

// NewMap builds a Map from entries. A repeated key overwrites the earlier
// value and keeps the earlier position.
func NewMap(entries ...Entry) Value {
	m := Value{kind: KindMap, pairs: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		m.pairs = putEntry(m.pairs, e.Key, e.Value)
	}
	return m
}

func putEntry(pairs []Entry, key string, v Value) []Entry {
	for i := range pairs {
		if pairs[i].Key == key {
			pairs[i].Value = v
			return pairs
		}
	}
	return append(pairs, Entry{Key: key, Value: v})
}

func (v Value) Kind() Kind       { return v.kind }
func (v Value) IsAbsent() bool   { return v.kind == KindAbsent }
func (v Value) Number() float64  { return v.num }
func (v Value) Bool() bool       { return v.truth }
func (v Value) Flags() string    { return v.flags }
func (v Value) Items() []Value   { return append([]Value(nil), v.items...) }
func (v Value) Entries() []Entry { return append([]Entry(nil), v.pairs...) }
func (v Value) Len() int         { return len(v.items) + len(v.pairs) }

// Text returns the string form of Text, Symbol and Pattern (its source),
// and "" otherwise.
func (v Value) Text() string { return v.text }

// BigInt returns a copy of the integer, or nil for other kinds.
func (v Value) BigInt() *big.Int {
	if v.big == nil {
		return nil
	}
	return new(big.Int).Set(v.big)
}

// Get looks up key in a Map.
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.pairs {
		if e.Key == key {
			return e.Value, true
		}
	}
	return Absent(), false
}

// String returns the text for Text values and "" for anything else, which is
// the common lookup in page handlers.
func (v Value) String() string {
	if v.kind == KindText {
		return v.text
	}
	return ""
}

// Merge returns a Map holding base's entries followed by any of extra's keys
// base does not already have. Non-map arguments contribute nothing.
func Merge(base, extra Value) Value {
	out := Value{kind: KindMap}
	out.pairs = append(out.pairs, base.pairs...)
	for _, e := range extra.pairs {
		if _, ok := base.Get(e.Key); !ok {
			out.pairs = append(out.pairs, e)
		}
	}
	return out
}

// Equal reports structural equality. NaN equals NaN so that cleaning can be
// checked for idempotence.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindAbsent, KindNull:
		return true
	case KindNumber:
		return a.num == b.num || (math.IsNaN(a.num) && math.IsNaN(b.num))
	case KindBool:
		return a.truth == b.truth
	case KindText, KindSymbol:
		return a.text == b.text
	case KindPattern:
		return a.text == b.text && a.flags == b.flags
	case KindBigInt:
		if a.big == nil || b.big == nil {
			return a.big == nil && b.big == nil
		}
		return a.big.Cmp(b.big) == 0
	case KindList:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.pairs) != len(b.pairs) {
			return false
		}
		for i := range a.pairs {
			if a.pairs[i].Key != b.pairs[i].Key || !Equal(a.pairs[i].Value, b.pairs[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}
