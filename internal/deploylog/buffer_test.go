package deploylog

import (
	"reflect"
	"testing"
)

func TestLineBufferKeepsNewestLines(t *testing.T) {
	b := NewLineBuffer(3)
	if got := b.Lines(); len(got) != 0 {
		t.Fatalf("empty buffer lines = %v", got)
	}

	for _, l := range []string{"a", "b"} {
		b.Append(l)
	}
	if got := b.Lines(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("lines = %v", got)
	}

	for _, l := range []string{"c", "d", "e"} {
		b.Append(l)
	}
	if got := b.Lines(); !reflect.DeepEqual(got, []string{"c", "d", "e"}) {
		t.Errorf("wrapped lines = %v", got)
	}
	if b.Len() != 3 || b.Capacity() != 3 {
		t.Errorf("Len = %d, Capacity = %d", b.Len(), b.Capacity())
	}

	b.Reset()
	if b.Len() != 0 {
		t.Errorf("Len after reset = %d", b.Len())
	}
}

func TestLineBufferDefaultSize(t *testing.T) {
	if got := NewLineBuffer(0).Capacity(); got != 500 {
		t.Errorf("Capacity = %d, want 500", got)
	}
}
