package editorproto

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestIsAncestor(t *testing.T) {
	cases := []struct {
		p, o Path
		want bool
	}{
		{Path{0}, Path{0, 1}, true},
		{Path{}, Path{0}, true},
		{Path{0}, Path{0}, false},
		{Path{0, 1}, Path{0}, false},
		{Path{1}, Path{0, 1}, false},
	}
	for _, c := range cases {
		if got := c.p.IsAncestor(c.o); got != c.want {
			t.Errorf("%v.IsAncestor(%v) = %v", c.p, c.o, got)
		}
	}
}

func TestMoveTarget(t *testing.T) {
	cases := []struct {
		from, to, want Path
	}{
		// same level: the destination is the final position
		{Path{0}, Path{2}, Path{2}},
		{Path{2}, Path{0}, Path{0}},
		// into a later sibling's subtree
		{Path{0}, Path{2, 1}, Path{1, 1}},
		// into an earlier sibling's subtree
		{Path{2}, Path{0, 1}, Path{0, 1}},
		{Path{0, 3}, Path{1, 0}, Path{1, 0}},
	}
	for _, c := range cases {
		if got := MoveTarget(c.from, c.to); !got.Equal(c.want) {
			t.Errorf("MoveTarget(%v, %v) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestSiblings(t *testing.T) {
	p := Path{1, 2}
	if !p.Next().Equal(Path{1, 3}) || !p.Previous().Equal(Path{1, 1}) || !p.Parent().Equal(Path{1}) {
		t.Fatal("sibling helpers are off")
	}
	if p.Last() != 2 || (Path{}).Last() != -1 {
		t.Fatal("Last is off")
	}
	// helpers never alias their receiver
	n := p.Next()
	n[0] = 9
	if p[0] != 1 {
		t.Fatal("Next shares memory with its receiver")
	}
}

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(MsgOperation, OperationBatch{Ops: []Operation{{Type: InsertText, Path: Path{0, 0}, Offset: 1, Text: "a"}}})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(msg)
	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	var batch OperationBatch
	if err := json.Unmarshal(back.Payload, &batch); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(batch.Ops[0].Path, Path{0, 0}) || batch.Ops[0].Text != "a" {
		t.Fatalf("got %+v", batch)
	}
}
