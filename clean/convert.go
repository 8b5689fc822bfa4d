package clean

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/url"
	"regexp"
	"sort"
	"strconv"
)

// FromAny converts decoded Go data into a Value. Map keys are sorted because
// Go maps carry no order. Types with no Value counterpart become Absent.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return NewBool(t)
	case string:
		return NewText(t)
	case float64:
		return NewNumber(t)
	case float32:
		return NewNumber(float64(t))
	case int:
		return NewNumber(float64(t))
	case int8:
		return NewNumber(float64(t))
	case int16:
		return NewNumber(float64(t))
	case int32:
		return NewNumber(float64(t))
	case int64:
		return NewNumber(float64(t))
	case uint:
		return NewNumber(float64(t))
	case uint8:
		return NewNumber(float64(t))
	case uint16:
		return NewNumber(float64(t))
	case uint32:
		return NewNumber(float64(t))
	case uint64:
		return NewNumber(float64(t))
	case json.Number:
		return numberFromLiteral(string(t))
	case *big.Int:
		return NewBigInt(t)
	case *regexp.Regexp:
		if t == nil {
			return Absent()
		}
		return NewPattern(t.String(), "")
	case []Value:
		return NewList(t...)
	case []any:
		out := Value{kind: KindList, items: make([]Value, len(t))}
		for i, it := range t {
			out.items[i] = FromAny(it)
		}
		return out
	case []string:
		out := Value{kind: KindList, items: make([]Value, len(t))}
		for i, s := range t {
			out.items[i] = NewText(s)
		}
		return out
	case map[string]any:
		out := Value{kind: KindMap}
		for _, k := range sortedKeys(t) {
			out.pairs = append(out.pairs, Entry{Key: k, Value: FromAny(t[k])})
		}
		return out
	case map[string]string:
		out := Value{kind: KindMap}
		for _, k := range sortedKeys(t) {
			out.pairs = append(out.pairs, Entry{Key: k, Value: NewText(t[k])})
		}
		return out
	case url.Values:
		return FromValues(t)
	}
	return Absent()
}

// FromValues converts query or form values. A key with one value maps to
// Text, a repeated key maps to a List of Text.
func FromValues(vals url.Values) Value {
	out := Value{kind: KindMap}
	for _, k := range sortedKeys(vals) {
		vs := vals[k]
		if len(vs) == 1 {
			out.pairs = append(out.pairs, Entry{Key: k, Value: NewText(vs[0])})
			continue
		}
		out.pairs = append(out.pairs, Entry{Key: k, Value: FromAny(vs)})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// numberFromLiteral keeps integers that do not fit a float64 exactly as BigInt.
func numberFromLiteral(lit string) Value {
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		if math.Abs(f) < 1<<53 || !isIntegerLiteral(lit) {
			return NewNumber(f)
		}
	}
	if i, ok := new(big.Int).SetString(lit, 10); ok {
		return NewBigInt(i)
	}
	return Absent()
}

func isIntegerLiteral(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// DecodeJSON reads one JSON document, keeping object key order.
func DecodeJSON(r io.Reader) (Value, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return Absent(), err
	}
	if _, err := dec.Token(); err != io.EOF {
		return Absent(), errors.New("clean: trailing data after JSON document")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Absent(), err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '[':
			out := Value{kind: KindList}
			for dec.More() {
				it, err := decodeValue(dec)
				if err != nil {
					return Absent(), err
				}
				out.items = append(out.items, it)
			}
			_, err := dec.Token()
			return out, err
		case '{':
			out := Value{kind: KindMap}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return Absent(), err
				}
				key, _ := kt.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return Absent(), err
				}
				out.pairs = putEntry(out.pairs, key, val)
			}
			_, err := dec.Token()
			return out, err
		}
		return Absent(), fmt.Errorf("clean: unexpected delimiter %q", rune(t))
	case json.Number:
		return numberFromLiteral(string(t)), nil
	case string:
		return NewText(t), nil
	case bool:
		return NewBool(t), nil
	case nil:
		return Null(), nil
	}
	return Absent(), fmt.Errorf("clean: unexpected token %v", tok)
}

// Interface converts v back to plain Go data for templates and encoders.
// Absent map entries are skipped; Absent list items become nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindBool:
		return v.truth
	case KindText, KindSymbol:
		return v.text
	case KindPattern:
		return "/" + v.text + "/" + v.flags
	case KindBigInt:
		return v.BigInt()
	case KindList:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.pairs))
		for _, e := range v.pairs {
			if !e.Value.IsAbsent() {
				out[e.Key] = e.Value.Interface()
			}
		}
		return out
	}
	return nil
}

// MarshalJSON writes maps in insertion order. Non-finite numbers are null.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.appendJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) appendJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			buf.WriteString("null")
			return nil
		}
		buf.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.truth))
	case KindText, KindSymbol, KindPattern:
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBigInt:
		buf.WriteString(v.big.String())
	case KindList:
		buf.WriteByte('[')
		for i, it := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := it.appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMap:
		buf.WriteByte('{')
		first := true
		for _, e := range v.pairs {
			if e.Value.IsAbsent() {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			k, err := json.Marshal(e.Key)
			if err != nil {
				return err
			}
			buf.Write(k)
			buf.WriteByte(':')
			if err := e.Value.appendJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		buf.WriteString("null")
	}
	return nil
}
