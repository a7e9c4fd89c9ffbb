package crdt

import (
	"strings"
	"testing"
	"time"
)

// a keystroke copies the text it lands in and nothing else
func TestChangeCopiesOnlyTouchedObjects(t *testing.T) {
	d := New("a")
	var texts []ObjID
	_, err := d.Change(func(tx *Tx) error {
		list, _ := tx.MakeList()
		for i := 0; i < 500; i++ {
			text, _ := tx.MakeText()
			if err := tx.InsertText(text, 0, strings.Repeat("x", 200)); err != nil {
				return err
			}
			if err := tx.InsertLink(list, i, text); err != nil {
				return err
			}
			texts = append(texts, text)
		}
		return tx.SetLink(Root, "texts", list)
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	for i := 0; i < 200; i++ {
		var staged int
		_, err := d.Change(func(tx *Tx) error {
			defer func() { staged = len(tx.staged) }()
			return tx.InsertText(texts[250], i, "y")
		})
		if err != nil {
			t.Fatal(err)
		}
		if staged != 1 {
			t.Fatalf("keystroke staged %d objects", staged)
		}
	}
	last := d.history[len(d.history)-1]
	if len(last.edits) != 1 || last.edits[0].obj != texts[250] {
		t.Fatalf("keystroke recorded %d edits", len(last.edits))
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("200 keystrokes took %v", elapsed)
	}
	if got := len(d.Text(texts[250])); got != 400 {
		t.Fatalf("text has %d characters", got)
	}
}

func TestChangesSequence(t *testing.T) {
	old := &object{Type: TypeText, Elems: []elem{
		{ID: "1@a", Val: value{Raw: "a"}},
		{ID: "2@a", Val: value{Raw: "b"}},
		{ID: "3@a", Val: value{Raw: "c"}},
	}}
	next := &object{Type: TypeText, Elems: []elem{
		{ID: "3@a", Val: value{Raw: "c"}},
		{ID: "4@b", Val: value{Raw: "d"}},
		{ID: "1@a", Val: value{Raw: "a"}},
	}}

	// replaying the entries on old must give next
	cur := append([]elem(nil), old.Elems...)
	for _, d := range changes(old, next) {
		switch d.Action {
		case DiffRemove:
			if cur[d.Index].ID != d.ElemID {
				t.Fatalf("remove %s at %d hits %s", d.ElemID, d.Index, cur[d.Index].ID)
			}
			cur = append(cur[:d.Index], cur[d.Index+1:]...)
		case DiffInsert:
			cur = append(cur[:d.Index], append([]elem{{ID: d.ElemID, Val: value{Raw: d.Value.(string)}}}, cur[d.Index:]...)...)
		case DiffSet:
			cur[d.Index].Val = value{Raw: d.Value.(string)}
		}
	}
	if len(cur) != len(next.Elems) {
		t.Fatalf("got %v", cur)
	}
	for i := range cur {
		if cur[i] != next.Elems[i] {
			t.Fatalf("got %v, want %v", cur, next.Elems)
		}
	}
}
