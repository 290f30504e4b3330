// Package storetest holds a behavioural suite shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/nodehost/internal/store"
)

// Run exercises s. The store must be empty and have its schema in place.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		n := &store.Node{Name: "api", Type: 1, Executable: "index.js", Command: "--port 80", Env: map[string]string{"A": "1"}}
		require.NoError(t, s.CreateNode(ctx, n))
		require.NotEmpty(t, n.ID)

		got, err := s.GetNode(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, "api", got.Name)
		assert.Equal(t, 1, got.Type)
		assert.Equal(t, "index.js", got.Executable)
		assert.Equal(t, "--port 80", got.Command)
		assert.Equal(t, map[string]string{"A": "1"}, got.Env)
		assert.False(t, got.Start)
		assert.False(t, got.Error)
		assert.Nil(t, got.Started)
		assert.Nil(t, got.Stopped)
		assert.Nil(t, got.Output)

		_, err = s.GetNode(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("name conflict", func(t *testing.T) {
		a := &store.Node{Name: "dup", Type: 1, Executable: "a.js"}
		require.NoError(t, s.CreateNode(ctx, a))
		b := &store.Node{Name: "dup", Type: 2, Executable: "b.js"}
		assert.ErrorIs(t, s.CreateNode(ctx, b), store.ErrNameConflict)

		c := &store.Node{Name: "other", Type: 1, Executable: "c.js"}
		require.NoError(t, s.CreateNode(ctx, c))
		_, err := s.UpdateNode(ctx, c.ID, store.Patch{Name: store.Set("dup")})
		assert.ErrorIs(t, err, store.ErrNameConflict)
	})

	t.Run("field level patch", func(t *testing.T) {
		n := &store.Node{Name: "patched", Type: 1, Executable: "p.js"}
		require.NoError(t, s.CreateNode(ctx, n))

		now := time.Now().UTC().Truncate(time.Second)
		got, err := s.UpdateNode(ctx, n.ID, store.Patch{
			Start:   store.Set(true),
			Started: store.SetTime(now),
			Stopped: store.ClearTime(),
			Output:  store.SetText("hello\n"),
		})
		require.NoError(t, err)
		assert.True(t, got.Start)
		require.NotNil(t, got.Started)
		assert.WithinDuration(t, now, *got.Started, time.Second)
		require.NotNil(t, got.Output)
		assert.Equal(t, "hello\n", *got.Output)
		assert.Equal(t, "patched", got.Name, "untouched columns keep their value")

		got, err = s.UpdateNode(ctx, n.ID, store.Patch{Error: store.Set(true), Started: store.ClearTime()})
		require.NoError(t, err)
		assert.True(t, got.Error)
		assert.True(t, got.Start)
		assert.Nil(t, got.Started)
		require.NotNil(t, got.Output)

		_, err = s.UpdateNode(ctx, "missing", store.Patch{Start: store.Set(false)})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("list paging and sort", func(t *testing.T) {
		_, before, err := s.ListNodes(ctx, store.ListOptions{})
		require.NoError(t, err)
		for _, name := range []string{"zz-1", "zz-2", "zz-3"} {
			require.NoError(t, s.CreateNode(ctx, &store.Node{Name: name, Type: 2, Executable: "x"}))
		}
		all, total, err := s.ListNodes(ctx, store.ListOptions{Sort: "name", Desc: true})
		require.NoError(t, err)
		assert.Equal(t, before+3, total)
		require.Len(t, all, total)
		assert.Equal(t, "zz-3", all[0].Name)

		page, total2, err := s.ListNodes(ctx, store.ListOptions{Sort: "name", Desc: true, Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, total, total2)
		require.Len(t, page, 2)
		assert.Equal(t, "zz-2", page[0].Name)
		assert.Equal(t, "zz-1", page[1].Name)
	})

	t.Run("delete and desired running", func(t *testing.T) {
		keep := &store.Node{Name: "keep", Type: 1, Executable: "k.js"}
		require.NoError(t, s.CreateNode(ctx, keep))
		_, err := s.UpdateNode(ctx, keep.ID, store.Patch{Start: store.Set(true)})
		require.NoError(t, err)
		gone := &store.Node{Name: "gone", Type: 1, Executable: "g.js"}
		require.NoError(t, s.CreateNode(ctx, gone))

		require.NoError(t, s.DeleteNode(ctx, gone.ID))
		assert.ErrorIs(t, s.DeleteNode(ctx, gone.ID), store.ErrNotFound)
		_, err = s.GetNode(ctx, gone.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		running, err := s.DesiredRunning(ctx)
		require.NoError(t, err)
		var ids []string
		for _, n := range running {
			ids = append(ids, n.ID)
		}
		assert.Contains(t, ids, keep.ID)
		assert.NotContains(t, ids, gone.ID)
	})

	t.Run("users and sessions", func(t *testing.T) {
		u := &store.User{Login: "alice", Password: "hash"}
		require.NoError(t, s.CreateUser(ctx, u))
		assert.ErrorIs(t, s.CreateUser(ctx, &store.User{Login: "alice", Password: "x"}), store.ErrLoginConflict)

		got, err := s.GetUserByLogin(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Nil(t, got.Token)

		require.NoError(t, s.SetSession(ctx, u.ID, "tok-1", time.Now()))
		byTok, err := s.GetUserByToken(ctx, "tok-1")
		require.NoError(t, err)
		assert.Equal(t, u.ID, byTok.ID)
		require.NotNil(t, byTok.LoggedIn)

		require.NoError(t, s.ClearSession(ctx, u.ID))
		_, err = s.GetUserByToken(ctx, "tok-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetUser(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
