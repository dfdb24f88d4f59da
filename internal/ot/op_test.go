package ot

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestApplyInsert(t *testing.T) {
	got, err := Apply("Hello World", []Op{{Kind: Insert, Pos: 5, Text: " there"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello there World" {
		t.Errorf("got %q", got)
	}
}

func TestApplyDelete(t *testing.T) {
	got, err := Apply("Hello World", []Op{{Kind: Delete, Pos: 5, Len: 6}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello" {
		t.Errorf("got %q", got)
	}
}

func TestApplyBatch(t *testing.T) {
	// insert and delete at the same position: insert lands first
	got, err := Apply("abcdef", []Op{
		{Kind: Delete, Pos: 1, Len: 2},
		{Kind: Insert, Pos: 5, Text: "XY"},
		{Kind: Delete, Pos: 5, Len: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "adeXY" {
		t.Errorf("got %q", got)
	}
}

func TestApplyRetain(t *testing.T) {
	got, err := Apply("abc", []Op{{Kind: Retain, Pos: 0, Len: 3}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "abc" {
		t.Errorf("got %q", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		op     Op
		docLen int
		ok     bool
	}{
		{"insert at end", Op{Kind: Insert, Pos: 3, Text: "x"}, 3, true},
		{"insert past end", Op{Kind: Insert, Pos: 4, Text: "x"}, 3, false},
		{"negative position", Op{Kind: Insert, Pos: -1, Text: "x"}, 3, false},
		{"delete in range", Op{Kind: Delete, Pos: 1, Len: 2}, 3, true},
		{"delete past end", Op{Kind: Delete, Pos: 2, Len: 2}, 3, false},
		{"zero-length delete", Op{Kind: Delete, Pos: 0, Len: 0}, 3, false},
		{"retain past end", Op{Kind: Retain, Pos: 0, Len: 4}, 3, false},
		{"unknown kind", Op{Kind: "replace", Pos: 0}, 3, false},
	}
	for _, c := range cases {
		err := c.op.Validate(c.docLen)
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok {
			if err == nil {
				t.Errorf("%s: expected error", c.name)
			} else if !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("%s: error %v not ErrInvalidOperation", c.name, err)
			}
		}
	}
}

func TestUnmarshalRejectsUnknownKind(t *testing.T) {
	var op Op
	err := json.Unmarshal([]byte(`{"type":"format","position":0}`), &op)
	if !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation, got %v", err)
	}
	if err := json.Unmarshal([]byte(`{"type":"insert","position":2,"text":"hi"}`), &op); err != nil {
		t.Fatal(err)
	}
	if op.Pos != 2 || op.Text != "hi" {
		t.Errorf("got %+v", op)
	}
}

func TestCompose(t *testing.T) {
	base := "hello"
	cases := []struct {
		name string
		a, b Op
		ok   bool
	}{
		{
			"appending inserts",
			Op{Kind: Insert, Pos: 5, Text: " wo", ClientID: "a"},
			Op{Kind: Insert, Pos: 8, Text: "rld", ClientID: "a"},
			true,
		},
		{
			"forward deletes",
			Op{Kind: Delete, Pos: 1, Len: 2, ClientID: "a"},
			Op{Kind: Delete, Pos: 1, Len: 1, ClientID: "a"},
			true,
		},
		{
			"backspacing deletes",
			Op{Kind: Delete, Pos: 3, Len: 2, ClientID: "a"},
			Op{Kind: Delete, Pos: 2, Len: 1, ClientID: "a"},
			true,
		},
		{
			"different clients",
			Op{Kind: Insert, Pos: 5, Text: "x", ClientID: "a"},
			Op{Kind: Insert, Pos: 6, Text: "y", ClientID: "b"},
			false,
		},
		{
			"non-contiguous",
			Op{Kind: Insert, Pos: 0, Text: "x", ClientID: "a"},
			Op{Kind: Insert, Pos: 5, Text: "y", ClientID: "a"},
			false,
		},
	}
	for _, c := range cases {
		merged, ok := Compose(c.a, c.b)
		if ok != c.ok {
			t.Errorf("%s: compose ok = %v, want %v", c.name, ok, c.ok)
			continue
		}
		if !ok {
			continue
		}
		// apply(apply(s,a),b) == apply(s, compose(a,b))
		mid, err := Apply(base, []Op{c.a})
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		sequential, err := Apply(mid, []Op{c.b})
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		composed, err := Apply(base, []Op{merged})
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if sequential != composed {
			t.Errorf("%s: sequential %q != composed %q", c.name, sequential, composed)
		}
	}
}

func TestSpan(t *testing.T) {
	if (Op{Kind: Insert, Text: "abc"}).Span() != 0 {
		t.Error("insert consumes no input")
	}
	if (Op{Kind: Delete, Len: 4}).Span() != 4 {
		t.Error("delete consumes its length")
	}
	if (Op{Kind: Retain, Len: 2}).Span() != 2 {
		t.Error("retain consumes its length")
	}
}

func TestNoop(t *testing.T) {
	cases := []struct {
		op   Op
		want bool
	}{
		{Op{Kind: Insert, Text: ""}, true},
		{Op{Kind: Insert, Text: "x"}, false},
		{Op{Kind: Delete, Len: 0}, true},
		{Op{Kind: Delete, Len: 1}, false},
		{Op{Kind: Retain, Len: 0}, true},
		{Op{Kind: Retain, Len: 2}, false},
	}
	for _, c := range cases {
		if got := c.op.Noop(); got != c.want {
			t.Errorf("%+v: Noop() = %v, want %v", c.op, got, c.want)
		}
	}
}
