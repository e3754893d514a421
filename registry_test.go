package pronet

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Resolve hands claimed back unchanged when its userId is free and in range.
func TestRegistryResolveStatic(t *testing.T) {
	r := NewRegistry()
	claimed := NewMsgUser(2, 100, 0)
	got, err := r.Resolve(claimed)
	require.NoError(t, err)
	assert.Equal(t, claimed, got)
}

// Resolve allocates a fresh dynamic userId when userId == 0.
func TestRegistryResolveDynamicAllocation(t *testing.T) {
	r := NewRegistry()
	claimed := NewMsgUser(2, 0, 5)

	got, err := r.Resolve(claimed)
	require.NoError(t, err)
	assert.True(t, IsDynamicRange(got.UserID))
	assert.Equal(t, claimed.ClassID, got.ClassID)
	assert.Equal(t, claimed.InstID, got.InstID)

	r.Register(got, nil, false)
	got2, err := r.Resolve(NewMsgUser(2, 0, 5))
	require.NoError(t, err)
	assert.NotEqual(t, got, got2, "a second dynamic allocation must not collide with the first")
}

// Resolve rejects a userId already registered.
func TestRegistryResolveDuplicate(t *testing.T) {
	r := NewRegistry()
	user := NewMsgUser(2, 7, 0)
	r.Register(user, nil, false)

	_, err := r.Resolve(user)
	assert.ErrorIs(t, err, ErrDuplicateHandler)
}

// Resolve rejects a userId outside both the static and dynamic ranges.
func TestRegistryResolveOutOfRange(t *testing.T) {
	r := NewRegistry()
	bad := MsgUser{ClassID: 2, UserID: MaxStaticUserID + 1, InstID: 0}
	require.False(t, IsStaticRange(bad.UserID))
	require.False(t, IsDynamicRange(bad.UserID))

	_, err := r.Resolve(bad)
	assert.ErrorIs(t, err, ErrUserIDOutOfRange)
}

// Register/Lookup/Unregister form the basic base-link lifecycle.
func TestRegistryRegisterLookupUnregister(t *testing.T) {
	r := NewRegistry()
	user := NewMsgUser(2, 1, 0)
	lc := r.Register(user, nil, false)
	require.NotNil(t, lc)

	got, ok := r.Lookup(user)
	require.True(t, ok)
	assert.Same(t, lc, got)
	assert.Equal(t, 1, r.Count())

	r.Unregister(user)
	_, ok = r.Lookup(user)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

// RegisterSubUser makes a sub-user resolvable through ResolveLink to its
// owning C2S link, without appearing in the base Lookup map.
func TestRegistrySubUserResolution(t *testing.T) {
	r := NewRegistry()
	c2sUser := NewMsgUser(1, 10, 65535)
	owner := r.Register(c2sUser, nil, true)

	sub := NewMsgUser(2, 50, 0)
	require.NoError(t, r.RegisterSubUser(sub, owner))

	_, ok := r.Lookup(sub)
	assert.False(t, ok, "sub-users are not base links")

	lc, ok := r.ResolveLink(sub)
	require.True(t, ok)
	assert.Same(t, owner, lc)

	lc, ok = r.LookupSubUser(sub)
	require.True(t, ok)
	assert.Same(t, owner, lc)

	assert.True(t, owner.HasSubUser(sub))
	assert.Equal(t, 1, owner.SubUserCount())
}

// RegisterSubUser rejects a userId already taken by a base link or another
// sub-user.
func TestRegistrySubUserDuplicate(t *testing.T) {
	r := NewRegistry()
	owner := r.Register(NewMsgUser(1, 10, 65535), nil, true)
	base := NewMsgUser(2, 1, 0)
	r.Register(base, nil, false)

	err := r.RegisterSubUser(base, owner)
	assert.ErrorIs(t, err, ErrDuplicateHandler)
}

// UnregisterSubUser detaches a sub-user from its owner.
func TestRegistryUnregisterSubUser(t *testing.T) {
	r := NewRegistry()
	owner := r.Register(NewMsgUser(1, 10, 65535), nil, true)
	sub := NewMsgUser(2, 50, 0)
	require.NoError(t, r.RegisterSubUser(sub, owner))

	r.UnregisterSubUser(sub)
	_, ok := r.ResolveLink(sub)
	assert.False(t, ok)
	assert.Equal(t, 0, owner.SubUserCount())
}

// Unregister on a C2S base link cascades: every sub-user tunneled through
// it becomes unresolvable too (uplink loss drops the whole downstream
// population).
func TestRegistryUnregisterC2SCascadesSubUsers(t *testing.T) {
	r := NewRegistry()
	c2sUser := NewMsgUser(1, 10, 65535)
	owner := r.Register(c2sUser, nil, true)

	sub1 := NewMsgUser(2, 50, 0)
	sub2 := NewMsgUser(2, 51, 0)
	require.NoError(t, r.RegisterSubUser(sub1, owner))
	require.NoError(t, r.RegisterSubUser(sub2, owner))

	r.Unregister(c2sUser)

	_, ok := r.ResolveLink(sub1)
	assert.False(t, ok)
	_, ok = r.ResolveLink(sub2)
	assert.False(t, ok)
	_, ok = r.Lookup(c2sUser)
	assert.False(t, ok)
}

// Unregistering a plain (non-C2S) base link does not touch unrelated
// sub-user entries belonging to a different owner.
func TestRegistryUnregisterPlainLinkLeavesOthersAlone(t *testing.T) {
	r := NewRegistry()
	owner := r.Register(NewMsgUser(1, 10, 65535), nil, true)
	sub := NewMsgUser(2, 50, 0)
	require.NoError(t, r.RegisterSubUser(sub, owner))

	plain := NewMsgUser(2, 99, 0)
	r.Register(plain, nil, false)
	r.Unregister(plain)

	_, ok := r.ResolveLink(sub)
	assert.True(t, ok, "unrelated sub-user must survive")
}

// Sorted returns every registered base user in ascending MsgUser.Less order.
func TestRegistrySorted(t *testing.T) {
	r := NewRegistry()
	users := []MsgUser{
		NewMsgUser(2, 3, 0),
		NewMsgUser(2, 1, 0),
		NewMsgUser(1, 1, 0),
		NewMsgUser(2, 1, 5),
	}
	for _, u := range users {
		r.Register(u, nil, false)
	}

	sorted := r.Sorted()
	require.Len(t, sorted, len(users))
	for i := 1; i < len(sorted); i++ {
		assert.True(t, sorted[i-1].Less(sorted[i]) || sorted[i-1].Equal(sorted[i]))
	}
}

// Range visits every (user, link) pair exactly once, in ascending order.
func TestRegistryRange(t *testing.T) {
	r := NewRegistry()
	a := NewMsgUser(2, 1, 0)
	b := NewMsgUser(2, 2, 0)
	r.Register(a, nil, false)
	r.Register(b, nil, false)

	var visited []MsgUser
	r.Range(func(u MsgUser, lc *LinkContext) {
		visited = append(visited, u)
		assert.NotNil(t, lc)
	})
	assert.Equal(t, []MsgUser{a, b}, visited)
}

// LinkContext.enqueue serializes commands onto the link's own goroutine and
// drops silently once the link has been stopped.
func TestLinkContextEnqueueAndStop(t *testing.T) {
	lc := newLinkContext(NewMsgUser(2, 1, 0), nil, false)
	defer lc.stop()

	var mu sync.Mutex
	var ran []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		ok := lc.enqueue(func() {
			defer wg.Done()
			mu.Lock()
			ran = append(ran, i)
			mu.Unlock()
		})
		require.True(t, ok)
	}
	wg.Wait()

	mu.Lock()
	assert.Len(t, ran, 5)
	mu.Unlock()

	lc.stop()
	lc.stop() // idempotent, must not panic
	assert.False(t, lc.enqueue(func() {}))
}
