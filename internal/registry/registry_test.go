// ABOUTME: Tests for agent registration, removal, and round-robin selection.
// ABOUTME: Validates fairness, cursor reseating, group isolation, and liveness gating.

package registry

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	group string
	live  bool
	mu    sync.Mutex
}

func newFakeSession(group string) *fakeSession {
	return &fakeSession{group: group, live: true}
}

func (s *fakeSession) Group() string { return s.group }

func (s *fakeSession) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *fakeSession) setLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

func newRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInsertAssignsMonotonicIDs(t *testing.T) {
	r := newRegistry()

	a := r.Insert(newFakeSession("g"))
	b := r.Insert(newFakeSession("g"))
	c := r.Insert(newFakeSession(""))

	assert.Less(t, a, b)
	assert.Less(t, b, c)
	assert.Equal(t, 3, r.Len())

	// Ids are never reused, even after the holder is gone.
	r.Remove(c)
	d := r.Insert(newFakeSession(""))
	assert.Greater(t, d, c)
}

func TestSelectRoundRobinFairness(t *testing.T) {
	r := newRegistry()
	const agents = 3
	ids := make([]uint64, agents)
	for i := range ids {
		ids[i] = r.Insert(newFakeSession("g"))
	}

	const dispatches = 10
	counts := make(map[uint64]int)
	var order []uint64
	for i := 0; i < dispatches; i++ {
		id, _, err := r.Select("g")
		require.NoError(t, err)
		counts[id]++
		order = append(order, id)
	}

	// Each of N agents gets floor(K/N) or ceil(K/N) of K dispatches.
	for _, id := range ids {
		assert.Contains(t, []int{dispatches / agents, dispatches/agents + 1}, counts[id])
	}
	// And the order is a repeating permutation of the bucket.
	for i := agents; i < len(order); i++ {
		assert.Equal(t, order[i-agents], order[i])
	}
}

func TestSelectGroupIsolation(t *testing.T) {
	r := newRegistry()
	grouped := r.Insert(newFakeSession("g"))
	ungrouped := r.Insert(newFakeSession(""))

	id, _, err := r.Select("g")
	require.NoError(t, err)
	assert.Equal(t, grouped, id)

	// A no-group service draws only from the no-group bucket.
	id, _, err = r.Select("")
	require.NoError(t, err)
	assert.Equal(t, ungrouped, id)

	// A group with no agents yields nothing, even with agents elsewhere.
	_, _, err = r.Select("other")
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestSelectSkipsNonLiveSessions(t *testing.T) {
	r := newRegistry()
	draining := newFakeSession("g")
	id1 := r.Insert(draining)
	id2 := r.Insert(newFakeSession("g"))

	draining.setLive(false)

	for i := 0; i < 4; i++ {
		id, _, err := r.Select("g")
		require.NoError(t, err)
		assert.Equal(t, id2, id, "draining agent must not be selected")
	}
	_ = id1

	// With every member dead the bucket is empty for dispatch purposes.
	s, ok := r.Get(id2)
	require.True(t, ok)
	s.(*fakeSession).setLive(false)
	_, _, err := r.Select("g")
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestRemoveReseatsCursor(t *testing.T) {
	r := newRegistry()
	a := r.Insert(newFakeSession("g"))
	b := r.Insert(newFakeSession("g"))
	c := r.Insert(newFakeSession("g"))

	// Advance the cursor to the last slot.
	id, _, err := r.Select("g")
	require.NoError(t, err)
	assert.Equal(t, a, id)
	id, _, err = r.Select("g")
	require.NoError(t, err)
	assert.Equal(t, b, id)

	// Removing the tail shrinks the bucket under the cursor; the next
	// selection must wrap cleanly instead of skipping a slot.
	r.Remove(c)
	id, _, err = r.Select("g")
	require.NoError(t, err)
	assert.Equal(t, a, id)
	id, _, err = r.Select("g")
	require.NoError(t, err)
	assert.Equal(t, b, id)
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	r := newRegistry()
	r.Insert(newFakeSession("g"))
	r.Remove(9999)
	assert.Equal(t, 1, r.Len())
}

func TestSelectEmptyRegistry(t *testing.T) {
	r := newRegistry()
	_, _, err := r.Select("g")
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
	_, _, err = r.Select("")
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestConcurrentSelectIsPermutationPerCycle(t *testing.T) {
	r := newRegistry()
	const agents = 4
	for i := 0; i < agents; i++ {
		r.Insert(newFakeSession("g"))
	}

	const workers = 8
	const perWorker = 100
	var mu sync.Mutex
	counts := make(map[uint64]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, _, err := r.Select("g")
				if err != nil {
					continue
				}
				mu.Lock()
				counts[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := workers * perWorker
	for id, n := range counts {
		assert.Equal(t, total/agents, n, "agent %d load", id)
	}
}
