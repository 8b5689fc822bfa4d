package clean

import (
	"math"
	"math/big"
	"net/url"
	"strings"
	"testing"
)

// String

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		allow bool
		want  string
		ok    bool
	}{
		{"ascii passthrough", "hello world", false, "hello world", true},
		{"empty", "", false, "", true},
		{"newline kept", "a\nb\r\nc", false, "a\nb\r\nc", true},
		{"controls stripped", "a\x00b\x07c\x1fd\x7f", false, "abcd", true},
		{"tab stripped", "a\tb", false, "ab", true},
		{"controls allowed", "a\tb\x01", true, "a\tb\x01", true},
		{"latin1 kept", "café", false, "café", true},
		{"mixed", "café ☃ naïve", false, "café  naïve", true},
		{"only snowman", "☃", false, "", false},
		{"only emoji", "😀😀", false, "", false},
		{"curly quotes", "“quoted” – ok…", false, "“quoted” – ok…", true},
		{"euro and trademark", "5€ ™", false, "5€ ™", true},
		{"ligatures", "Œuvre œ Š š Ÿ ƒ", false, "Œuvre œ Š š Ÿ ƒ", true},
		{"c1 controls dropped", "a\u0085b", false, "ab", true},
		{"invalid utf8", "ok\xff\xfeé", false, "oké", true},
		{"controls then unicode", "\x01☃", false, "", false},
		{"controls only", "\x01\x02", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := String(tt.in, tt.allow)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("String(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// Clean scalars

func TestClean_Scalars(t *testing.T) {
	if got := Clean(Null(), false); got.Kind() != KindNull {
		t.Fatalf("null -> %v", got.Kind())
	}
	if got := Clean(Absent(), false); !got.IsAbsent() {
		t.Fatalf("absent -> %v", got.Kind())
	}
	if got := Clean(NewNumber(3.5), false); got.Number() != 3.5 {
		t.Fatalf("number -> %v", got.Number())
	}
	if got := Clean(NewNumber(math.NaN()), false); !math.IsNaN(got.Number()) {
		t.Fatalf("NaN -> %v", got.Number())
	}
	if got := Clean(NewBool(true), false); got.Kind() != KindBool || !got.Bool() {
		t.Fatal("bool true lost")
	}
	if got := Clean(NewText("☃"), false); !got.IsAbsent() {
		t.Fatalf("snowman -> %v, want absent", got.Kind())
	}
	if got := Clean(Value{kind: Kind(200)}, false); !got.IsAbsent() {
		t.Fatal("unknown kind should become absent")
	}
}

func TestClean_Symbol(t *testing.T) {
	if got := Clean(NewSymbol("tag\x00"), false); got.Kind() != KindSymbol || got.Text() != "tag" {
		t.Fatalf("symbol -> %v %q", got.Kind(), got.Text())
	}
	if got := Clean(NewSymbol("\x01"), false); !got.IsAbsent() {
		t.Fatal("symbol emptied by cleaning should be absent")
	}
}

func TestClean_BigInt(t *testing.T) {
	n, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	got := Clean(NewBigInt(n), false)
	if got.Kind() != KindBigInt || got.BigInt().Cmp(n) != 0 {
		t.Fatalf("bigint -> %v %v", got.Kind(), got.BigInt())
	}
	if !Clean(Value{kind: KindBigInt}, false).IsAbsent() {
		t.Fatal("bigint without a number should be absent")
	}
}

func TestClean_Pattern(t *testing.T) {
	got := Clean(NewPattern("^a\x00b+$", "gi\x01"), false)
	if got.Kind() != KindPattern || got.Text() != "^ab+$" || got.Flags() != "gi" {
		t.Fatalf("pattern -> %v %q %q", got.Kind(), got.Text(), got.Flags())
	}
	if !Clean(NewPattern("\x01\x02", "g"), false).IsAbsent() {
		t.Fatal("empty source after cleaning should be absent")
	}
	if !Clean(NewPattern("☃", ""), false).IsAbsent() {
		t.Fatal("source removed entirely should be absent")
	}
	for _, src := range []string{"foo(?=bar)", `(a)\1`, "(?<!x)y"} {
		got := Clean(NewPattern(src, "g"), false)
		if got.Kind() != KindPattern || got.Text() != src || got.Flags() != "g" {
			t.Errorf("pattern %q -> %v %q %q, want it unchanged", src, got.Kind(), got.Text(), got.Flags())
		}
	}
}

// Clean containers

func TestClean_ListKeepsAbsentSlots(t *testing.T) {
	in := NewList(NewText("a"), NewText("☃"), NewNumber(1))
	got := Clean(in, false)
	if got.Kind() != KindList || got.Len() != 3 {
		t.Fatalf("list -> %v len %d", got.Kind(), got.Len())
	}
	items := got.Items()
	if items[0].String() != "a" || !items[1].IsAbsent() || items[2].Number() != 1 {
		t.Fatalf("items = %v", items)
	}
}

func TestClean_MapKeys(t *testing.T) {
	in := NewMap(
		Entry{"name", NewText("Zoë")},
		Entry{"na\x00me", NewText("second")},
		Entry{"☃", NewText("first lost")},
		Entry{"bad", NewText("☃")},
		Entry{"\U0001F600", NewText("second lost")},
		Entry{"n", NewNumber(2)},
	)
	got := Clean(in, false)
	keys := []string{}
	for _, e := range got.Entries() {
		keys = append(keys, e.Key)
	}
	if strings.Join(keys, ",") != "name,undefined,bad,n" {
		t.Fatalf("keys = %v", keys)
	}
	entries := got.Entries()
	if entries[0].Value.String() != "second" {
		t.Fatalf("collision should keep the first slot with the last value, got %v", entries[0])
	}
	if entries[1].Key != AbsentKey || entries[1].Value.String() != "second lost" {
		t.Fatalf("lost keys should collide on %q, got %v", AbsentKey, entries[1])
	}
	if !entries[2].Value.IsAbsent() {
		t.Fatalf("value cleaned to absent should stay as an absent entry, got %v", entries[2])
	}
}

func TestClean_Nested(t *testing.T) {
	in := NewMap(Entry{"user", NewMap(
		Entry{"tags", NewList(NewText("ok\x07"), NewList(NewText("☃")))},
	)})
	got := Clean(in, false)
	user, _ := got.Get("user")
	tags, _ := user.Get("tags")
	items := tags.Items()
	if items[0].String() != "ok" {
		t.Fatalf("nested text = %q", items[0].String())
	}
	inner := items[1].Items()
	if len(inner) != 1 || !inner[0].IsAbsent() {
		t.Fatalf("nested list = %v", inner)
	}
}

// conversions

func TestFromAny(t *testing.T) {
	v := FromAny(map[string]any{
		"b": []any{1, "x", nil, true},
		"a": 2.5,
		"c": struct{}{},
	})
	entries := v.Entries()
	if len(entries) != 3 || entries[0].Key != "a" || entries[1].Key != "b" {
		t.Fatalf("entries = %v", entries)
	}
	if !entries[2].Value.IsAbsent() {
		t.Fatal("unsupported type should convert to absent")
	}
	list := entries[1].Value.Items()
	if list[0].Number() != 1 || list[1].String() != "x" || list[2].Kind() != KindNull || !list[3].Bool() {
		t.Fatalf("list = %v", list)
	}
}

func TestFromValues(t *testing.T) {
	q, _ := url.ParseQuery("a=1&tag=x&tag=y")
	v := FromValues(q)
	a, _ := v.Get("a")
	if a.String() != "1" {
		t.Fatalf("a = %v", a)
	}
	tag, _ := v.Get("tag")
	if tag.Kind() != KindList || tag.Len() != 2 {
		t.Fatalf("tag = %v", tag)
	}
}

func TestDecodeJSON_KeepsOrder(t *testing.T) {
	v, err := DecodeJSON(strings.NewReader(`{"z":1,"a":{"y":[1,2,"s"],"b":null},"big":123456789012345678901234567890,"f":1.5}`))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	keys := []string{}
	for _, e := range v.Entries() {
		keys = append(keys, e.Key)
	}
	if strings.Join(keys, ",") != "z,a,big,f" {
		t.Fatalf("keys = %v", keys)
	}
	big, _ := v.Get("big")
	if big.Kind() != KindBigInt {
		t.Fatalf("large integer kind = %v, want bigint", big.Kind())
	}
	f, _ := v.Get("f")
	if f.Number() != 1.5 {
		t.Fatalf("f = %v", f.Number())
	}
}

func TestDecodeJSON_Errors(t *testing.T) {
	for _, in := range []string{``, `{"a":`, `{"a":1} {"b":2}`, `[1,2`} {
		if _, err := DecodeJSON(strings.NewReader(in)); err == nil {
			t.Errorf("DecodeJSON(%q) should fail", in)
		}
	}
}

func TestMarshalJSON(t *testing.T) {
	v := NewMap(
		Entry{"z", NewText("a\"b")},
		Entry{"gone", Absent()},
		Entry{"list", NewList(NewNumber(1), Absent(), NewNumber(math.Inf(1)))},
		Entry{"re", NewPattern("^x$", "i")},
		Entry{"n", NewBigInt(big.NewInt(-7))},
	)
	b, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	want := `{"z":"a\"b","list":[1,null,null],"re":"/^x$/i","n":-7}`
	if string(b) != want {
		t.Fatalf("json = %s\nwant  %s", b, want)
	}
}

func TestMerge_ExistingKeysWin(t *testing.T) {
	base := NewMap(Entry{"a", NewText("base")})
	extra := NewMap(Entry{"a", NewText("extra")}, Entry{"b", NewText("new")})
	got := Merge(base, extra)
	a, _ := got.Get("a")
	b, _ := got.Get("b")
	if a.String() != "base" || b.String() != "new" {
		t.Fatalf("merge = %v", got.Entries())
	}
}

func TestEqual_BigIntWithoutNumber(t *testing.T) {
	empty := Value{kind: KindBigInt}
	if !Equal(empty, Value{kind: KindBigInt}) {
		t.Error("two bigints without a number should be equal")
	}
	if Equal(empty, NewBigInt(big.NewInt(1))) || Equal(NewBigInt(big.NewInt(1)), empty) {
		t.Error("a bigint without a number should not equal 1")
	}
	if !Equal(NewBigInt(big.NewInt(7)), NewBigInt(big.NewInt(7))) {
		t.Error("equal bigints compared unequal")
	}
}
