package session

// Decision is the outcome of a route gate.
type Decision int

const (
	// Pending means the guard is still loading and nothing conclusive may render.
	Pending Decision = iota
	// Allow renders the gated content.
	Allow
	// Redirect sends the user to Verdict.Location.
	Redirect
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Verdict is a gate decision plus the redirect target when redirecting.
type Verdict struct {
	Decision Decision
	Location string
}

var (
	pending = Verdict{Decision: Pending}
	allow   = Verdict{Decision: Allow}
)

// PrivateRoute admits logged-in users and sends everyone else to sign-in.
func PrivateRoute(s State) Verdict {
	switch {
	case s.Loading:
		return pending
	case s.LoggedIn:
		return allow
	default:
		return Verdict{Decision: Redirect, Location: SignInPath}
	}
}

// PublicOnly admits logged-out users (sign-in, sign-up) and sends logged-in
// users to the landing page.
func PublicOnly(s State) Verdict {
	switch {
	case s.Loading:
		return pending
	case s.LoggedIn:
		return Verdict{Decision: Redirect, Location: LandingPath}
	default:
		return allow
	}
}

// AdminOnly admits the admin role, case-insensitively. This is UI gating
// over client-held state; the backend authorizes admin calls on its own.
func AdminOnly(s State) Verdict {
	switch {
	case s.Loading:
		return pending
	case s.LoggedIn && s.IsAdmin():
		return allow
	default:
		return Verdict{Decision: Redirect, Location: LandingPath}
	}
}

// PrivateRoute evaluates the private gate against the current state.
func (g *Guard) PrivateRoute() Verdict { return PrivateRoute(g.State()) }

// PublicOnly evaluates the public-only gate against the current state.
func (g *Guard) PublicOnly() Verdict { return PublicOnly(g.State()) }

// AdminOnly evaluates the admin gate against the current state.
func (g *Guard) AdminOnly() Verdict { return AdminOnly(g.State()) }
