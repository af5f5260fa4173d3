package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("rep")
	if !strings.HasPrefix(id, "rep_") || len(id) != len("rep_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("rep") == id {
		t.Fatal("ids must be unique")
	}
	if bare := NewID(""); strings.Contains(bare, "_") || len(bare) != 32 {
		t.Fatalf("unexpected bare id %q", bare)
	}
}
