// Package builder turns a WriteIntent into the ordered operation set the
// ledger will apply. Builders are pure: they never touch the network,
// and they never sign.
package builder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/ledgerwrite/internal/ir"
)

// Func builds the operation set for one intent kind.
type Func func(intent ir.WriteIntent) (ir.OperationSet, error)

// BuildError reports a malformed intent. Nothing was submitted.
type BuildError struct {
	Kind    string
	Field   string
	Message string
}

func (e *BuildError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("build %s: %s: %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("build %s: %s", e.Kind, e.Message)
}

func buildErr(kind, field, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Registry maps intent kinds to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Func)}
}

// Register installs f for kind, replacing any previous builder.
func (r *Registry) Register(kind string, f Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[kind] = f
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.builders))
	for k := range r.builders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build dispatches on intent.Kind.
func (r *Registry) Build(intent ir.WriteIntent) (ir.OperationSet, error) {
	r.mu.RLock()
	f, ok := r.builders[intent.Kind]
	r.mu.RUnlock()
	if !ok {
		return ir.OperationSet{}, buildErr(intent.Kind, "kind", "unknown intent kind %q", intent.Kind)
	}
	if err := ValidateAccount(intent.Username); err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "username", "%v", err)
	}
	if intent.RequiredAuthority != "" && intent.RequiredAuthority.Level() == 0 {
		return ir.OperationSet{}, buildErr(intent.Kind, "required_authority", "unknown authority %q", intent.RequiredAuthority)
	}
	return f(intent)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry with every built-in kind.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.Register(KindVote, buildVote)
		r.Register(KindComment, buildComment)
		r.Register(KindPost, buildComment)
		r.Register(KindTransfer, buildTransfer)
		r.Register(KindPowerUp, buildPowerUp)
		r.Register(KindPowerDown, buildPowerDown)
		r.Register(KindDelegate, buildDelegate)
		r.Register(KindFollow, buildFollow)
		r.Register(KindUnfollow, buildFollow)
		r.Register(KindMute, buildFollow)
		r.Register(KindReblog, buildReblog)
		r.Register(KindClaimReward, buildClaimReward)
		r.Register(KindAccountUpdate, buildAccountUpdate)
		r.Register(KindCustomJSON, buildCustomJSON)
		defaultRegistry = r
	})
	return defaultRegistry
}

// Build builds with the default registry.
func Build(intent ir.WriteIntent) (ir.OperationSet, error) {
	return Default().Build(intent)
}

// decodePayload accepts the typed payload (value or pointer) or any
// JSON-shaped data (a map decoded from a request body or a YAML scenario).
func decodePayload[T any](kind string, p any) (T, error) {
	var out T
	switch v := p.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return out, buildErr(kind, "payload", "payload is required")
		}
		return *v, nil
	case nil:
		return out, buildErr(kind, "payload", "payload is required")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return out, buildErr(kind, "payload", "payload is not JSON-shaped: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, buildErr(kind, "payload", "%v", err)
	}
	return out, nil
}

// finish wraps ops with the effective authority. The intent may raise the
// builder's authority but never lower it.
func finish(intent ir.WriteIntent, builderAuth ir.Authority, ops ...ir.Operation) (ir.OperationSet, error) {
	auth := builderAuth
	if intent.RequiredAuthority != "" {
		if intent.RequiredAuthority.Level() < builderAuth.Level() {
			return ir.OperationSet{}, buildErr(intent.Kind, "required_authority",
				"%s requires %s authority, intent asked for %s", intent.Kind, builderAuth, intent.RequiredAuthority)
		}
		auth = intent.RequiredAuthority
	}
	set, err := ir.NewOperationSet(auth, ops...)
	if err != nil {
		return ir.OperationSet{}, buildErr(intent.Kind, "", "%v", err)
	}
	return set, nil
}

// actor checks that the account performing the operation is the intent's
// user. Signatures are only valid for the signing account.
func actor(intent ir.WriteIntent, field, account string) error {
	if err := ValidateAccount(account); err != nil {
		return buildErr(intent.Kind, field, "%v", err)
	}
	if account != intent.Username {
		return buildErr(intent.Kind, field, "%q does not match intent user %q", account, intent.Username)
	}
	return nil
}

func op(name string, pairs ...ir.Pair) ir.Operation {
	return ir.Operation{Name: name, Fields: ir.Obj(pairs...)}
}
