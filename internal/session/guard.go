// Package session owns the operator's authentication state and the route
// gates derived from it.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/vpsdeck/internal/domain"
	"github.com/ashureev/vpsdeck/internal/tokenstore"
)

const (
	// SignInPath is the public entry point unauthenticated users land on.
	SignInPath = "/signin"
	// LandingPath is the default page for authenticated users.
	LandingPath = "/vps"

	defaultValidateTimeout = 10 * time.Second
)

// Validator checks a bearer token against the backend and returns its identity.
type Validator interface {
	CheckAuth(ctx context.Context, token string) (domain.Identity, error)
}

// Navigator performs a hard navigation (full reload) to path.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(path string) { f(path) }

// State is a snapshot of the session.
type State struct {
	LoggedIn bool   `json:"loggedIn"`
	Loading  bool   `json:"loading"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// IsAdmin reports whether the role is admin, ignoring case.
func (s State) IsAdmin() bool {
	return domain.Identity{Email: s.Email, Role: s.Role}.IsAdmin()
}

// Guard is the single source of truth for whether the operator may pass the
// public pages and the admin-only pages. It is safe for concurrent use.
type Guard struct {
	store           tokenstore.Store
	validator       Validator
	navigator       Navigator
	logger          *slog.Logger
	validateTimeout time.Duration

	// opMu orders the store write and state update of Login, Logout and
	// finishInit against each other.
	opMu sync.Mutex

	mu       sync.RWMutex
	state    State
	deferred *tokenstore.Change // external change seen while loading
	local    bool               // Login or Logout happened while loading

	ready    chan struct{}
	initOnce sync.Once

	subsMu sync.Mutex
	subsID int
	subs   map[int]func(State)

	unsubscribeStore func()
}

// Option configures a Guard.
type Option func(*Guard)

// WithNavigator sets the navigator used by Logout.
func WithNavigator(n Navigator) Option {
	return func(g *Guard) { g.navigator = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithValidateTimeout bounds the startup validation exchange.
func WithValidateTimeout(d time.Duration) Option {
	return func(g *Guard) { g.validateTimeout = d }
}

// NewGuard creates a guard in the loading state and subscribes it to external
// token changes. Call Initialize once to resolve the loading state.
func NewGuard(store tokenstore.Store, validator Validator, opts ...Option) *Guard {
	g := &Guard{
		store:           store,
		validator:       validator,
		navigator:       NavigatorFunc(func(string) {}),
		logger:          slog.Default(),
		validateTimeout: defaultValidateTimeout,
		state:           State{Loading: true},
		ready:           make(chan struct{}),
		subs:            make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.unsubscribeStore = store.Subscribe(g.OnExternalTokenChange)
	return g
}

// Initialize resolves the startup state from the persisted token. Failures
// of any kind leave the guard logged out; they are logged, never returned.
// Calls after the first are no-ops.
func (g *Guard) Initialize(ctx context.Context) {
	g.initOnce.Do(func() {
		g.initialize(ctx)
	})
}

func (g *Guard) initialize(ctx context.Context) {
	token, ok, err := g.store.Load()
	if err != nil {
		g.logger.Warn("Failed to read persisted token, starting logged out", "error", err)
		g.finishInit("", domain.Identity{}, false)
		return
	}
	if !ok {
		g.logger.Info("No persisted token, starting logged out")
		g.finishInit("", domain.Identity{}, false)
		return
	}

	validateCtx, cancel := context.WithTimeout(ctx, g.validateTimeout)
	defer cancel()

	identity, err := g.validator.CheckAuth(validateCtx, token)
	if err != nil {
		g.logger.Warn("Persisted token rejected, clearing", "error", err)
		g.finishInit(token, domain.Identity{}, false)
		return
	}

	g.logger.Info("Session restored", "email", identity.Email, "role", identity.Role)
	g.finishInit(token, identity, true)
}

// finishInit applies the validation outcome unless a local Login or Logout
// superseded it, then any external change that arrived later, and releases
// waiters.
func (g *Guard) finishInit(token string, identity domain.Identity, valid bool) {
	g.opMu.Lock()
	g.mu.RLock()
	superseded := g.local
	g.mu.RUnlock()

	if !valid && token != "" && !superseded {
		// Only clear what we validated; another context may have replaced it.
		if current, ok, err := g.store.Load(); err == nil && ok && current == token {
			if err := g.store.Clear(); err != nil {
				g.logger.Warn("Failed to clear rejected token", "error", err)
			}
		}
	}

	g.mu.Lock()
	switch {
	case g.local:
		g.logger.Info("Startup validation superseded by a local session change")
		g.state.Loading = false
	case valid:
		g.state = State{LoggedIn: true, Email: identity.Email, Role: identity.Role}
	default:
		g.state = State{}
	}
	if g.deferred != nil {
		g.applyChangeLocked(*g.deferred)
		g.deferred = nil
	}
	g.local = false
	state := g.state
	g.mu.Unlock()
	g.opMu.Unlock()

	close(g.ready)
	g.notify(state)
}

// Ready is closed once initialization has completed.
func (g *Guard) Ready() <-chan struct{} {
	return g.ready
}

// Wait blocks until initialization completes or ctx is done.
func (g *Guard) Wait(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current session snapshot.
func (g *Guard) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Loading reports whether initialization is still running.
func (g *Guard) Loading() bool {
	return g.State().Loading
}

// Identity returns the signed-in identity. ok is false while logged out or
// loading.
func (g *Guard) Identity() (domain.Identity, bool) {
	s := g.State()
	if !s.LoggedIn || s.Loading {
		return domain.Identity{}, false
	}
	return domain.Identity{Email: s.Email, Role: s.Role}, true
}

// Token returns the bearer credential for outbound calls. ok is false while
// logged out.
func (g *Guard) Token() (string, bool) {
	if !g.State().LoggedIn {
		return "", false
	}
	token, ok, err := g.store.Load()
	if err != nil || !ok {
		return "", false
	}
	return token, true
}

// Login persists the token and installs the identity. Callers must have
// completed the login exchange already; no network call is made.
func (g *Guard) Login(token, email, role string) error {
	g.opMu.Lock()
	if err := g.store.Save(token); err != nil {
		g.opMu.Unlock()
		return err
	}

	g.mu.Lock()
	g.state = State{LoggedIn: true, Loading: g.state.Loading, Email: email, Role: role}
	g.markLocalLocked()
	state := g.state
	g.mu.Unlock()
	g.opMu.Unlock()

	g.logger.Info("Logged in", "email", email, "role", role)
	g.notify(state)
	return nil
}

// Logout clears the persisted token, drops the identity and navigates to the
// sign-in page. A failure to remove the token file is logged; the in-memory
// state is logged out regardless.
func (g *Guard) Logout() {
	g.opMu.Lock()
	if err := g.store.Clear(); err != nil {
		g.logger.Error("Failed to clear persisted token", "error", err)
	}

	g.mu.Lock()
	g.state = State{Loading: g.state.Loading}
	g.markLocalLocked()
	state := g.state
	g.mu.Unlock()
	g.opMu.Unlock()

	g.logger.Info("Logged out")
	g.notify(state)
	g.navigator.Navigate(SignInPath)
}

// OnExternalTokenChange mirrors a token mutation made by another context.
// The token is not re-validated.
func (g *Guard) OnExternalTokenChange(c tokenstore.Change) {
	g.mu.Lock()
	if g.state.Loading {
		g.deferred = &c
		g.mu.Unlock()
		return
	}
	before := g.state
	g.applyChangeLocked(c)
	state := g.state
	g.mu.Unlock()

	if before != state {
		g.logger.Info("Token changed in another context", "logged_in", state.LoggedIn)
		g.notify(state)
	}
}

// markLocalLocked records that this process changed the session while the
// startup validation was in flight. The local change is newer than both the
// validated token and any external change deferred so far.
func (g *Guard) markLocalLocked() {
	if g.state.Loading {
		g.local = true
		g.deferred = nil
	}
}

func (g *Guard) applyChangeLocked(c tokenstore.Change) {
	g.state.LoggedIn = c.Present
	if !c.Present {
		g.state.Email = ""
		g.state.Role = ""
	}
}

// Subscribe registers fn for every state change and returns an unsubscribe func.
func (g *Guard) Subscribe(fn func(State)) func() {
	g.subsMu.Lock()
	id := g.subsID
	g.subsID++
	g.subs[id] = fn
	g.subsMu.Unlock()

	return func() {
		g.subsMu.Lock()
		delete(g.subs, id)
		g.subsMu.Unlock()
	}
}

func (g *Guard) notify(state State) {
	g.subsMu.Lock()
	fns := make([]func(State), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.subsMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// Close detaches the guard from the token store.
func (g *Guard) Close() {
	if g.unsubscribeStore != nil {
		g.unsubscribeStore()
	}
}
