package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator struct {
	mu       sync.Mutex
	calls    int
	tokens   []string
	identity domain.Identity
	err      error
	block    chan struct{}
}

func (f *fakeValidator) CheckAuth(ctx context.Context, token string) (domain.Identity, error) {
	f.mu.Lock()
	f.calls++
	f.tokens = append(f.tokens, token)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return domain.Identity{}, ctx.Err()
		}
	}
	return f.identity, f.err
}

func (f *fakeValidator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingNavigator struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNavigator) Navigate(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func tokenPresent(t *testing.T, s tokenstore.Store) bool {
	t.Helper()
	_, ok, err := s.Load()
	require.NoError(t, err)
	return ok
}

func TestInitializeWithoutTokenSkipsValidation(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	v := &fakeValidator{}
	g := NewGuard(store, v)

	assert.True(t, g.Loading())
	g.Initialize(context.Background())

	assert.Equal(t, State{}, g.State())
	assert.Zero(t, v.callCount(), "no network call without a persisted token")
	select {
	case <-g.Ready():
	default:
		t.Fatal("ready channel should be closed after initialize")
	}
}

func TestInitializeRestoresValidToken(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("good"))
	v := &fakeValidator{identity: domain.Identity{Email: "ops@example.com", Role: "Admin"}}
	g := NewGuard(store, v)

	g.Initialize(context.Background())

	st := g.State()
	assert.True(t, st.LoggedIn)
	assert.False(t, st.Loading)
	assert.Equal(t, "ops@example.com", st.Email)
	assert.Equal(t, []string{"good"}, v.tokens)
	assert.True(t, tokenPresent(t, store))

	token, ok := g.Token()
	assert.True(t, ok)
	assert.Equal(t, "good", token)
}

func TestInitializeRejectedTokenFailsClosed(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("stale"))
	v := &fakeValidator{err: errors.New("401 unauthorized")}
	g := NewGuard(store, v)

	g.Initialize(context.Background())

	assert.False(t, g.State().LoggedIn)
	assert.False(t, tokenPresent(t, store), "rejected token must be cleared")
	_, ok := g.Token()
	assert.False(t, ok)
}

func TestInitializeTimeoutFailsClosed(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("slow"))
	v := &fakeValidator{block: make(chan struct{})}
	g := NewGuard(store, v, WithValidateTimeout(20*time.Millisecond))

	g.Initialize(context.Background())

	assert.False(t, g.State().LoggedIn)
	assert.False(t, tokenPresent(t, store))
}

func TestInitializeRunsOnce(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("good"))
	v := &fakeValidator{identity: domain.Identity{Email: "a@b.c", Role: "user"}}
	g := NewGuard(store, v)

	g.Initialize(context.Background())
	g.Initialize(context.Background())

	assert.Equal(t, 1, v.callCount())
}

func TestGatesPendingWhileLoading(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("good"))
	v := &fakeValidator{identity: domain.Identity{Role: "admin"}, block: make(chan struct{})}
	g := NewGuard(store, v)

	done := make(chan struct{})
	go func() {
		g.Initialize(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return v.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Pending, g.PrivateRoute().Decision)
	assert.Equal(t, Pending, g.PublicOnly().Decision)
	assert.Equal(t, Pending, g.AdminOnly().Decision)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)

	close(v.block)
	<-done
	require.NoError(t, g.Wait(context.Background()))
	assert.Equal(t, Allow, g.PrivateRoute().Decision)
	assert.Equal(t, Allow, g.AdminOnly().Decision)
}

func TestLoginLogoutKeepsTokenInSync(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	nav := &recordingNavigator{}
	g := NewGuard(store, &fakeValidator{}, WithNavigator(nav))
	g.Initialize(context.Background())

	steps := []bool{true, true, false, true, false, false, true}
	for i, login := range steps {
		if login {
			require.NoError(t, g.Login("tok", "ops@example.com", "user"))
		} else {
			g.Logout()
		}
		assert.Equal(t, login, g.State().LoggedIn, "step %d", i)
		assert.Equal(t, login, tokenPresent(t, store), "step %d", i)
	}
	assert.Equal(t, []string{SignInPath, SignInPath, SignInPath}, nav.paths)
}

func TestLogoutClearsIdentity(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	g := NewGuard(store, &fakeValidator{})
	g.Initialize(context.Background())

	require.NoError(t, g.Login("tok", "ops@example.com", "admin"))
	g.Logout()

	assert.Equal(t, State{}, g.State())
}

func TestExternalTokenChangeWithoutRevalidation(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	otherTab := store.Sibling()
	v := &fakeValidator{}
	g := NewGuard(store, v)
	g.Initialize(context.Background())

	var seen []State
	unsubscribe := g.Subscribe(func(s State) { seen = append(seen, s) })
	defer unsubscribe()

	require.NoError(t, otherTab.Save("from-other-tab"))
	assert.True(t, g.State().LoggedIn)
	assert.Zero(t, v.callCount())

	require.NoError(t, otherTab.Clear())
	assert.False(t, g.State().LoggedIn)
	require.Len(t, seen, 2)
	assert.True(t, seen[0].LoggedIn)
	assert.False(t, seen[1].LoggedIn)
}

func TestExternalChangeDuringLoadingIsAppliedAfter(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	otherTab := store.Sibling()
	require.NoError(t, store.Save("good"))
	v := &fakeValidator{identity: domain.Identity{Email: "a@b.c", Role: "user"}, block: make(chan struct{})}
	g := NewGuard(store, v)

	done := make(chan struct{})
	go func() {
		g.Initialize(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return v.callCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, otherTab.Clear())
	assert.True(t, g.Loading(), "change must not resolve loading")

	close(v.block)
	<-done
	assert.False(t, g.State().LoggedIn)
}

func TestAdminGateRoleComparison(t *testing.T) {
	cases := map[string]Decision{
		"Admin": Allow,
		"admin": Allow,
		"ADMIN": Allow,
		"user":  Redirect,
		"":      Redirect,
	}
	for role, want := range cases {
		v := AdminOnly(State{LoggedIn: true, Role: role})
		assert.Equal(t, want, v.Decision, "role %q", role)
		if want == Redirect {
			assert.Equal(t, LandingPath, v.Location)
		}
	}
}

func TestPrivateAndPublicGates(t *testing.T) {
	loggedOut := State{}
	loggedIn := State{LoggedIn: true, Role: "user"}

	assert.Equal(t, Verdict{Decision: Redirect, Location: SignInPath}, PrivateRoute(loggedOut))
	assert.Equal(t, Verdict{Decision: Allow}, PrivateRoute(loggedIn))
	assert.Equal(t, Verdict{Decision: Allow}, PublicOnly(loggedOut))
	assert.Equal(t, Verdict{Decision: Redirect, Location: LandingPath}, PublicOnly(loggedIn))
}

func startBlockedInit(t *testing.T, store tokenstore.Store, v *fakeValidator) (*Guard, chan struct{}) {
	t.Helper()
	g := NewGuard(store, v)
	t.Cleanup(g.Close)
	done := make(chan struct{})
	go func() {
		g.Initialize(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool { return v.callCount() == 1 }, time.Second, 5*time.Millisecond)
	return g, done
}

func TestLogoutDuringLoadingWinsOverValidation(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("tok-1"))
	v := &fakeValidator{identity: domain.Identity{Email: "ops@example.com", Role: "admin"}, block: make(chan struct{})}
	g, done := startBlockedInit(t, store, v)

	g.Logout()
	close(v.block)
	<-done

	state := g.State()
	assert.False(t, state.LoggedIn)
	assert.False(t, state.Loading)
	assert.False(t, tokenPresent(t, store))
}

func TestLoginDuringLoadingWinsOverRejection(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("tok-1"))
	v := &fakeValidator{err: errors.New("rejected"), block: make(chan struct{})}
	g, done := startBlockedInit(t, store, v)

	require.NoError(t, g.Login("tok-2", "new@example.com", "user"))
	close(v.block)
	<-done

	state := g.State()
	assert.Equal(t, State{LoggedIn: true, Email: "new@example.com", Role: "user"}, state)
	token, ok := g.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok-2", token)
}

func TestLoginDuringLoadingKeepsSameTokenWhenRejected(t *testing.T) {
	store := tokenstore.NewMemoryStore()
	require.NoError(t, store.Save("tok-1"))
	v := &fakeValidator{err: errors.New("rejected"), block: make(chan struct{})}
	g, done := startBlockedInit(t, store, v)

	require.NoError(t, g.Login("tok-1", "ops@example.com", "admin"))
	close(v.block)
	<-done

	assert.True(t, g.State().LoggedIn)
	assert.True(t, tokenPresent(t, store))
}
