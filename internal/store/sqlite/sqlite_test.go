package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loykin/nodehost/internal/store"
	"github.com/loykin/nodehost/internal/store/storetest"
)

func openMemory(t *testing.T) *store.SQL {
	t.Helper()
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, openMemory(t))
}

func TestSQLiteFileStore(t *testing.T) {
	db, err := New(t.TempDir() + "/nodes.db")
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// schema creation is idempotent
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	storetest.Run(t, db)
}

func TestEmptyPath(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

// Names stay unique and every insert gets a fresh id no matter the order of
// creations.
func TestNameUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("duplicate names are rejected and ids are fresh", prop.ForAll(
		func(names []string) bool {
			db, err := New(":memory:")
			if err != nil {
				return false
			}
			defer func() { _ = db.Close() }()
			ctx := context.Background()
			if err := db.EnsureSchema(ctx); err != nil {
				return false
			}
			seenNames := map[string]bool{}
			seenIDs := map[string]bool{}
			for _, name := range names {
				n := &store.Node{Name: name, Type: 1, Executable: "main.js"}
				err := db.CreateNode(ctx, n)
				if seenNames[name] {
					if !errors.Is(err, store.ErrNameConflict) {
						return false
					}
					continue
				}
				if err != nil || seenIDs[n.ID] {
					return false
				}
				seenNames[name] = true
				seenIDs[n.ID] = true
			}
			_, total, err := db.ListNodes(ctx, store.ListOptions{})
			return err == nil && total == len(seenNames)
		},
		gen.SliceOf(gen.OneGenOf(gen.Identifier(), gen.IntRange(0, 3).Map(func(i int) string {
			return fmt.Sprintf("dup-%d", i)
		}))),
	))

	properties.TestingRun(t)
}
