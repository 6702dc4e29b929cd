package bctx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bidid/internal/protocol"
)

// doNavigate drives Navigate with a capturing release callback.
func doNavigate(tree *Tree, id, url string, wait protocol.ReadinessState) (protocol.NavigateResult, error) {
	var res protocol.NavigateResult
	err := tree.Navigate(context.Background(), id, url, wait, func(r protocol.NavigateResult) { res = r })
	return res, err
}

func doReload(tree *Tree, id string, wait protocol.ReadinessState) error {
	return tree.Reload(context.Background(), id, wait, false, func() {})
}

func TestTree_Navigate(t *testing.T) {
	t.Run("wait complete releases after both milestones", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		res, err := doNavigate(tree, id, "https://example.com/page", protocol.ReadinessComplete)
		require.NoError(t, err)
		require.NotNil(t, res.Navigation)
		assert.Equal(t, "https://example.com/page", res.URL)
		eng.Sync()

		// The create milestones come first, then the navigation's pair.
		methods := rec.methods()
		require.Len(t, methods, 5)
		assert.Equal(t, protocol.EventDOMContentLoaded, methods[3])
		assert.Equal(t, protocol.EventLoad, methods[4])

		dcl := rec.byMethod(protocol.EventDOMContentLoaded)[1].params.(protocol.NavigationEventParams)
		load := rec.byMethod(protocol.EventLoad)[1].params.(protocol.NavigationEventParams)
		assert.Equal(t, *res.Navigation, dcl.Navigation)
		assert.Equal(t, *res.Navigation, load.Navigation)
		assert.Equal(t, "https://example.com/page", dcl.URL)
	})

	t.Run("wait none releases before any milestone", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		eng.Manual = true
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		var atRelease int
		var res protocol.NavigateResult
		err = tree.Navigate(context.Background(), id, "https://example.com/", protocol.ReadinessNone,
			func(r protocol.NavigateResult) {
				res = r
				atRelease = len(rec.byMethod(protocol.EventLoad))
			})
		require.NoError(t, err)
		require.NotNil(t, res.Navigation)

		// At release time only the create load had happened.
		assert.Equal(t, 1, atRelease)

		target := targetOf(t, tree, id)
		eng.EmitDOMContentLoaded(target)
		eng.EmitLoad(target)
		eng.Sync()
		assert.Len(t, rec.byMethod(protocol.EventLoad), 2)
	})

	t.Run("wait interactive releases on domContentLoaded", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		eng.Manual = true
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)
		target := targetOf(t, tree, id)

		done := make(chan protocol.NavigateResult, 1)
		go func() {
			res, err := doNavigate(tree, id, "https://example.com/", protocol.ReadinessInteractive)
			assert.NoError(t, err)
			done <- res
		}()

		// The command stays blocked until DCL fires.
		select {
		case <-done:
			t.Fatal("navigate returned before domContentLoaded")
		case <-time.After(20 * time.Millisecond):
		}

		eng.EmitDOMContentLoaded(target)
		res := <-done
		require.NotNil(t, res.Navigation)
		assert.Len(t, rec.byMethod(protocol.EventDOMContentLoaded), 2)

		eng.EmitLoad(target)
		eng.Sync()
	})

	t.Run("load synthesizes a missing domContentLoaded first", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		eng.Manual = true
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		_, err = doNavigate(tree, id, "https://example.com/", protocol.ReadinessNone)
		require.NoError(t, err)
		eng.Sync()

		eng.EmitLoad(targetOf(t, tree, id))
		eng.Sync()

		methods := rec.methods()
		require.GreaterOrEqual(t, len(methods), 2)
		assert.Equal(t, protocol.EventDOMContentLoaded, methods[len(methods)-2])
		assert.Equal(t, protocol.EventLoad, methods[len(methods)-1])
	})

	t.Run("same-document navigation reports a null id and no events", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)
		_, err = doNavigate(tree, id, "https://example.com/page", protocol.ReadinessComplete)
		require.NoError(t, err)
		eng.Sync()
		before := len(rec.methods())

		res, err := doNavigate(tree, id, "https://example.com/page#section", protocol.ReadinessComplete)
		require.NoError(t, err)
		assert.Nil(t, res.Navigation)
		assert.Equal(t, "https://example.com/page#section", res.URL)

		eng.Sync()
		assert.Len(t, rec.methods(), before)

		snap, err := tree.GetTree(id)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/page#section", snap.Contexts[0].URL)
	})

	t.Run("fragment to fragment stays same-document", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)
		_, err = doNavigate(tree, id, "https://example.com/p#one", protocol.ReadinessComplete)
		require.NoError(t, err)
		eng.Sync()

		res, err := doNavigate(tree, id, "https://example.com/p#two", protocol.ReadinessComplete)
		require.NoError(t, err)
		assert.Nil(t, res.Navigation)
	})

	t.Run("same url without fragments is a full navigation", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)
		_, err = doNavigate(tree, id, "https://example.com/p", protocol.ReadinessComplete)
		require.NoError(t, err)
		eng.Sync()

		res, err := doNavigate(tree, id, "https://example.com/p", protocol.ReadinessComplete)
		require.NoError(t, err)
		assert.NotNil(t, res.Navigation)
	})

	t.Run("failed navigation surfaces navigation aborted", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		eng.FailNavigation["https://unreachable.test/"] = "net::ERR_NAME_NOT_RESOLVED"
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		_, err = doNavigate(tree, id, "https://unreachable.test/", protocol.ReadinessComplete)
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeNavigationAborted, perr.Code)
		assert.Contains(t, perr.Message, "ERR_NAME_NOT_RESOLVED")

		// The context survives a failed navigation.
		assert.True(t, tree.Has(id))
	})

	t.Run("concurrent aborts release every waiter", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		eng.FailNavigation["https://unreachable.test/"] = "net::ERR_CONNECTION_REFUSED"
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		// Competing navigations to a dead host abort each other and fail on
		// their own; every waiter must come back with an error while
		// snapshots read the tree concurrently.
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := doNavigate(tree, id, "https://unreachable.test/", protocol.ReadinessComplete)
				var perr *protocol.Error
				if assert.ErrorAs(t, err, &perr) {
					assert.Equal(t, protocol.CodeNavigationAborted, perr.Code)
				}
			}()
		}
		for i := 0; i < 50; i++ {
			_, err := tree.GetTree(id)
			assert.NoError(t, err)
		}
		wg.Wait()
		assert.True(t, tree.Has(id))
	})

	t.Run("a newer navigation aborts the pending one", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		eng.Manual = true
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := doNavigate(tree, id, "https://example.com/slow", protocol.ReadinessComplete)
			errc <- err
		}()

		// Wait for the first navigation to be in flight.
		require.Eventually(t, func() bool {
			tree.mu.Lock()
			defer tree.mu.Unlock()
			rec := tree.contexts[id]
			return rec.nav != nil && rec.nav.url == "https://example.com/slow"
		}, time.Second, 5*time.Millisecond)

		_, err = doNavigate(tree, id, "https://example.com/fast", protocol.ReadinessNone)
		require.NoError(t, err)

		var perr *protocol.Error
		require.ErrorAs(t, <-errc, &perr)
		assert.Equal(t, protocol.CodeNavigationAborted, perr.Code)

		eng.Sync()
		eng.EmitLoad(targetOf(t, tree, id))
		eng.Sync()
	})

	t.Run("closing the context releases waiting navigations", func(t *testing.T) {
		tree, eng, _ := newFixture(t)
		eng.Manual = true
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := doNavigate(tree, id, "https://example.com/", protocol.ReadinessComplete)
			errc <- err
		}()
		require.Eventually(t, func() bool {
			tree.mu.Lock()
			defer tree.mu.Unlock()
			rec, ok := tree.contexts[id]
			return ok && rec.nav != nil && rec.nav.url == "https://example.com/"
		}, time.Second, 5*time.Millisecond)

		require.NoError(t, tree.Close(context.Background(), id))

		var perr *protocol.Error
		require.ErrorAs(t, <-errc, &perr)
		assert.Equal(t, protocol.CodeNavigationAborted, perr.Code)
	})

	t.Run("unknown context fails", func(t *testing.T) {
		tree, _, _ := newFixture(t)
		_, err := doNavigate(tree, "nope", "https://example.com/", protocol.ReadinessComplete)
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeNoSuchContext, perr.Code)
	})
}

func TestTree_Reload(t *testing.T) {
	t.Run("reloads the current document", func(t *testing.T) {
		tree, eng, rec := newFixture(t)
		id, err := tree.Create(context.Background(), "tab", "")
		require.NoError(t, err)
		_, err = doNavigate(tree, id, "https://example.com/p", protocol.ReadinessComplete)
		require.NoError(t, err)
		eng.Sync()
		before := len(rec.byMethod(protocol.EventLoad))

		require.NoError(t, doReload(tree, id, protocol.ReadinessComplete))
		eng.Sync()

		loads := rec.byMethod(protocol.EventLoad)
		require.Len(t, loads, before+1)
		assert.Equal(t, "https://example.com/p", loads[len(loads)-1].params.(protocol.NavigationEventParams).URL)
	})

	t.Run("unknown context fails", func(t *testing.T) {
		tree, _, _ := newFixture(t)
		err := doReload(tree, "nope", protocol.ReadinessComplete)
		var perr *protocol.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, protocol.CodeNoSuchContext, perr.Code)
	})
}

func TestSameDocument(t *testing.T) {
	cases := []struct {
		name string
		cur  string
		next string
		want bool
	}{
		{"add fragment", "https://a/p", "https://a/p#x", true},
		{"drop fragment", "https://a/p#x", "https://a/p", true},
		{"change fragment", "https://a/p#x", "https://a/p#y", true},
		{"same fragment", "https://a/p#x", "https://a/p#x", true},
		{"no fragments", "https://a/p", "https://a/p", false},
		{"different path", "https://a/p#x", "https://a/q#x", false},
		{"different host", "https://a/p", "https://b/p#x", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, sameDocument(tc.cur, tc.next))
		})
	}
}
