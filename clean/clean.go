// Package clean strips disallowed characters from every string inside an
// arbitrarily nested request value while keeping its shape.
//
// A string that loses every character to filtering becomes Absent at its own
// position only: a list keeps the slot, a map keeps the entry. A key that is
// lost becomes AbsentKey. Clean never panics and never returns an
// error.
package clean

import (
	"math/big"
	"strings"
	"unicode/utf8"
)

// extra code points kept above Latin-1: typographic quotes and dashes,
// ligatures, currency and a few symbols common in pasted text.
var extraRunes = map[rune]bool{
	338: true, 339: true, 352: true, 353: true, 376: true, 402: true,
	8211: true, 8212: true, 8216: true, 8217: true, 8218: true,
	8220: true, 8221: true, 8222: true, 8224: true, 8225: true,
	8226: true, 8230: true, 8240: true, 8364: true, 8482: true,
}

// AbsentKey replaces every map key that cleans to Absent. Such entries
// collide on it, the last one winning.
const AbsentKey = "undefined"

// Clean returns a sanitized copy of v. Control characters other than
// newline and carriage return are removed unless allowControl is set.
func Clean(v Value, allowControl bool) Value {
	switch v.kind {
	case KindNull:
		return v
	case KindNumber:
		return NewNumber(v.num)
	case KindBool:
		return NewBool(v.truth)
	case KindText:
		s, ok := String(v.text, allowControl)
		if !ok {
			return Absent()
		}
		return NewText(s)
	case KindSymbol:
		s, ok := String(v.text, allowControl)
		if !ok || s == "" {
			return Absent()
		}
		return NewSymbol(s)
	case KindPattern:
		return cleanPattern(v, allowControl)
	case KindBigInt:
		return cleanBigInt(v, allowControl)
	case KindList:
		out := Value{kind: KindList, items: make([]Value, len(v.items))}
		for i, it := range v.items {
			out.items[i] = Clean(it, allowControl)
		}
		return out
	case KindMap:
		out := Value{kind: KindMap, pairs: make([]Entry, 0, len(v.pairs))}
		for _, e := range v.pairs {
			k, ok := String(e.Key, allowControl)
			if !ok {
				k = AbsentKey
			}
			out.pairs = putEntry(out.pairs, k, Clean(e.Value, allowControl))
		}
		return out
	}
	return Absent()
}

// String applies the text rule to s. ok is false when s was non-empty and
// nothing survived filtering.
func String(s string, allowControl bool) (string, bool) {
	if !allowControl {
		s = stripControl(s)
	}
	if isASCII(s) {
		return s, true
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		if r == utf8.RuneError && size <= 1 {
			continue
		}
		if keepRune(r, allowControl) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// stripControl removes 0x00-0x1F and 0x7F except \n and \r.
func stripControl(s string) string {
	clean := true
	for i := 0; i < len(s); i++ {
		if isStrippedControl(s[i]) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if !isStrippedControl(s[i]) {
			b = append(b, s[i])
		}
	}
	return string(b)
}

func isStrippedControl(c byte) bool {
	return (c < 0x20 && c != '\n' && c != '\r') || c == 0x7f
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func keepRune(r rune, allowControl bool) bool {
	switch {
	case r == '\n' || r == '\r':
		return true
	case r < 32:
		return allowControl
	case r <= 127:
		return true
	case r >= 160 && r <= 255:
		return true
	}
	return extraRunes[r]
}

// cleanPattern keeps the source as written: it is checked only for
// emptiness, never compiled, so lookarounds and backreferences survive.
func cleanPattern(v Value, allowControl bool) Value {
	src, ok := String(v.text, allowControl)
	if !ok || src == "" {
		return Absent()
	}
	flags, ok := String(v.flags, allowControl)
	if !ok {
		flags = ""
	}
	return NewPattern(src, flags)
}

func cleanBigInt(v Value, allowControl bool) Value {
	if v.big == nil {
		return Absent()
	}
	s, ok := String(v.big.String(), allowControl)
	if !ok || s == "" {
		return Absent()
	}
	i, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Absent()
	}
	return Value{kind: KindBigInt, big: i}
}
