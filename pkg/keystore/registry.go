package keystore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
)

const (
	// TempPrefix is the prefix of the staging instance used by reinstall.
	TempPrefix = "tmp"

	// BaseNamespace holds values shared by every instance: the current
	// user, the auth token and the environment.
	BaseNamespace = "base"

	productionEnv = "production"
)

var unsafeNameChars = regexp.MustCompile(`[/\\:*?"<>|]`)

// Registry hands out one Store per prefix for the current user.
type Registry struct {
	backend Backend
	opts    []Option
	base    *Store

	mu        sync.Mutex
	instances map[string]*Store
}

// NewRegistry creates a registry over backend. opts apply to every instance.
func NewRegistry(backend Backend, opts ...Option) *Registry {
	return &Registry{
		backend:   backend,
		opts:      opts,
		base:      NewStore(backend, BaseNamespace, append(append([]Option(nil), opts...), WithEncryptedKeys(), WithMigrations())...),
		instances: make(map[string]*Store),
	}
}

// Base returns the shared base instance. It has no encrypted keys.
func (r *Registry) Base() *Store {
	return r.base
}

// Login records the current user and auth token. Instances opened for a
// previous user are closed.
func (r *Registry) Login(ctx context.Context, userID, authToken string) error {
	if userID == "" {
		return ErrNotReady
	}
	prev, err := r.base.GetString(ctx, "currentUserId")
	if err != nil {
		return err
	}
	if err := r.base.SetMultiple(ctx, map[string]any{
		"currentUserId": userID,
		"authToken":     authToken,
	}); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	if prev != userID {
		r.closeAll()
	}
	return nil
}

// Logout clears the base instance and closes every instance. Per-user
// data is kept.
func (r *Registry) Logout(ctx context.Context) error {
	r.closeAll()
	return r.base.Clear(ctx)
}

// SetEnv selects the environment. Instances are reopened on next use so
// that non-production environments get their own namespaces.
func (r *Registry) SetEnv(ctx context.Context, env string) error {
	if err := r.base.Set(ctx, "env", env); err != nil {
		return err
	}
	r.closeAll()
	return nil
}

// DeleteEnv reverts to the production environment.
func (r *Registry) DeleteEnv(ctx context.Context) error {
	if err := r.base.Delete(ctx, "env"); err != nil {
		return err
	}
	r.closeAll()
	return nil
}

// Env returns the current environment, "" meaning production.
func (r *Registry) Env(ctx context.Context) (string, error) {
	return r.base.GetString(ctx, "env")
}

// Main returns the main instance.
func (r *Registry) Main(ctx context.Context) (*Store, error) {
	return r.Store(ctx, "")
}

// Temp returns the staging instance.
func (r *Registry) Temp(ctx context.Context) (*Store, error) {
	return r.Store(ctx, TempPrefix)
}

// Store returns the instance for prefix, creating it on first use. A new
// prefixed instance inherits the main instance's active crypto key.
func (r *Registry) Store(ctx context.Context, prefix string) (*Store, error) {
	r.mu.Lock()
	if s, ok := r.instances[prefix]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	namespace, err := r.Namespace(ctx, prefix)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.instances[prefix]; ok {
		return s, nil
	}

	opts := append(append([]Option(nil), r.opts...), WithBaseNamespace(BaseNamespace))
	s := NewStore(r.backend, namespace, opts...)
	s.prefix = prefix
	if main, ok := r.instances[""]; ok && prefix != "" {
		s.adoptKey(main)
	}
	r.instances[prefix] = s
	return s, nil
}

// Namespace resolves the backend namespace for prefix:
// base-<user>[-<env><prefix>], where env is only used outside production
// and unsafe file name characters in the user id become "-".
func (r *Registry) Namespace(ctx context.Context, prefix string) (string, error) {
	userID, err := r.base.GetString(ctx, "currentUserId")
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", ErrNotReady
	}
	env, err := r.Env(ctx)
	if err != nil {
		return "", err
	}

	effective := prefix
	if env != "" && env != productionEnv {
		effective = env + prefix
	}

	name := BaseNamespace + "-" + unsafeNameChars.ReplaceAllString(userID, "-")
	if effective != "" {
		name += "-" + effective
	}
	return name, nil
}

// Exists reports whether an instance for prefix is open.
func (r *Registry) Exists(prefix string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.instances[prefix]
	return ok
}

// Close drops the instance for prefix and zeroes its key.
func (r *Registry) Close(prefix string) {
	r.mu.Lock()
	s, ok := r.instances[prefix]
	delete(r.instances, prefix)
	r.mu.Unlock()
	if ok {
		s.UnsetCryptoKey()
	}
}

// Prefixes lists the open instances.
func (r *Registry) Prefixes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.instances))
	for p := range r.instances {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// UnlockAll sets the crypto key on every open instance.
func (r *Registry) UnlockAll(ctx context.Context, passphrase string) error {
	for _, p := range r.Prefixes() {
		s, err := r.Store(ctx, p)
		if err != nil {
			return err
		}
		if err := s.SetCryptoKey(ctx, passphrase); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]*Store)
	r.mu.Unlock()
	for _, s := range instances {
		s.UnsetCryptoKey()
	}
}
