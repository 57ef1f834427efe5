// Package tokenstore persists the operator's credential token and notifies
// subscribers when another context changes it.
package tokenstore

// Change describes an externally observed token mutation.
type Change struct {
	Present bool
	Token   string
}

// Store is a single-key token store shared across contexts.
type Store interface {
	// Load returns the persisted token. ok is false when none is stored.
	Load() (token string, ok bool, err error)

	// Save persists the token.
	Save(token string) error

	// Clear removes the persisted token. Clearing an absent token is not an error.
	Clear() error

	// Subscribe registers fn for changes made by other contexts and returns
	// a function that removes the subscription.
	Subscribe(fn func(Change)) (unsubscribe func())
}
