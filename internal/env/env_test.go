package env

import (
	"reflect"
	"slices"
	"testing"
)

func TestMergeLayersAndSorts(t *testing.T) {
	e := New().WithBase(Var{"PATH": "/bin", "HOME": "/root", "LEVEL": "os"})
	e.WithSet("LEVEL", "global").WithSet("NODE_ENV", "production")

	out := e.Merge(map[string]string{"LEVEL": "node", "PORT": "3000"})
	want := []string{
		"HOME=/root",
		"LEVEL=node",
		"NODE_ENV=production",
		"PATH=/bin",
		"PORT=3000",
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("Merge() = %v, want %v", out, want)
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New().WithBase(Var{"HOME": "/home/app"})
	out := e.Merge(map[string]string{
		"DATA":    "${HOME}/data",
		"MISSING": "${NOPE}-x",
		"OPEN":    "${HOME",
	})
	for _, kv := range []string{"DATA=/home/app/data", "MISSING=${NOPE}-x", "OPEN=${HOME"} {
		if !slices.Contains(out, kv) {
			t.Errorf("%q missing from %v", kv, out)
		}
	}
}

func TestMergeSkipsBadKeys(t *testing.T) {
	e := New().WithBase(Var{})
	out := e.Merge(map[string]string{"": "x", "A=B": "y", "OK": "1"})
	if !reflect.DeepEqual(out, []string{"OK=1"}) {
		t.Fatalf("Merge() = %v, want [OK=1]", out)
	}
}

func TestPairs(t *testing.T) {
	got := Pairs([]string{"A=1", "=bad", "noeq", "B=x=y"})
	want := Var{"A": "1", "B": "x=y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Pairs() = %v, want %v", got, want)
	}
}
