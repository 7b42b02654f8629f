package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/stakehost/stakehost/pkg/telemetry"
)

// DefaultCryptoKeyTTL is how long a crypto key stays in memory.
const DefaultCryptoKeyTTL = 20 * time.Minute

// DefaultEncryptedKeys are the roots always stored as ciphertext.
var DefaultEncryptedKeys = []string{"keyPair", "seed", "credentials", "vaultRootToken"}

// KV is the subset of Store used by services.
type KV interface {
	Get(ctx context.Context, key string) (any, error)
	GetString(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, opts ...SetOption) error
	SetMultiple(ctx context.Context, values map[string]any, opts ...SetOption) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Store is one prefix-scoped keyed store instance.
type Store struct {
	prefix    string
	namespace string
	backend   Backend
	cfg       config

	// mu protects the key state below
	mu        sync.Mutex
	key       *Key
	expiresAt time.Time
	timer     *time.Timer
	gen       uint64
}

type config struct {
	baseNamespace string
	encrypted     map[string]bool
	ttl           time.Duration
	now           func() time.Time
	repair        bool
	migrations    []Migration
	logger        *telemetry.Logger
	metrics       *telemetry.Metrics
}

// Option configures a Store or a Registry.
type Option func(*config)

// WithTTL overrides the crypto key lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.ttl = ttl
	}
}

// WithClock overrides the clock used for key staleness checks.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithRepairOnDecryptFailure controls what Get does with a ciphertext that
// cannot be opened: when enabled (the default) the raw value is re-persisted
// unencrypted and returned; when disabled Get fails with ErrUndecryptable.
func WithRepairOnDecryptFailure(enabled bool) Option {
	return func(c *config) {
		c.repair = enabled
	}
}

// WithEncryptedKeys replaces the set of encrypted roots.
func WithEncryptedKeys(keys ...string) Option {
	return func(c *config) {
		c.encrypted = make(map[string]bool, len(keys))
		for _, k := range keys {
			c.encrypted[k] = true
		}
	}
}

// WithMigrations sets the encrypted-data migrations run by SetCryptoKey.
func WithMigrations(migrations ...Migration) Option {
	return func(c *config) {
		c.migrations = migrations
	}
}

// WithBaseNamespace sets the namespace consulted when a key is absent locally.
func WithBaseNamespace(namespace string) Option {
	return func(c *config) {
		c.baseNamespace = namespace
	}
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(c *config) {
		c.metrics = metrics
	}
}

func newConfig(opts []Option) config {
	cfg := config{
		ttl:        DefaultCryptoKeyTTL,
		now:        time.Now,
		repair:     true,
		migrations: DefaultMigrations(),
		logger:     telemetry.NopLogger(),
	}
	WithEncryptedKeys(DefaultEncryptedKeys...)(&cfg)
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewStore creates a store over one backend namespace.
func NewStore(backend Backend, namespace string, opts ...Option) *Store {
	cfg := newConfig(opts)
	cfg.logger = cfg.logger.NewComponentLogger("keystore").WithField("namespace", namespace)
	return &Store{
		namespace: namespace,
		backend:   backend,
		cfg:       cfg,
	}
}

// Namespace returns the backend namespace of this instance.
func (s *Store) Namespace() string { return s.namespace }

// Prefix returns the registry prefix of this instance.
func (s *Store) Prefix() string { return s.prefix }

// IsEncryptedKey reports whether key is stored encrypted. Dotted keys
// inherit the setting of their root segment.
func (s *Store) IsEncryptedKey(key string) bool {
	root, _ := splitKey(key)
	return s.cfg.encrypted[root]
}

// Get returns the value at key, decrypting it if needed. A missing key
// yields nil.
func (s *Store) Get(ctx context.Context, key string) (any, error) {
	root, path := splitKey(key)
	v, ok, err := s.loadRoot(ctx, key, root, true)
	if err != nil || !ok {
		return nil, err
	}
	val, _ := getPath(v, path)
	return val, nil
}

// GetString returns the value at key as text. Missing keys yield "".
func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("failed to format %s: %w", key, err)
		}
		return string(data), nil
	}
}

// GetInto decodes the value at key into out, a pointer to a struct tagged
// with `json`.
func (s *Store) GetInto(ctx context.Context, key string, out any) error {
	return GetInto(ctx, s, key, out)
}

// GetInto decodes the value kv holds at key into out. A missing key leaves
// out untouched.
func GetInto(ctx context.Context, kv KV, key string, out any) error {
	v, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// SetOption modifies a write.
type SetOption func(*setConfig)

type setConfig struct {
	skipEncryption bool
}

// SkipEncryption stores the value as plaintext even under an encrypted root.
// A dotted write merges into the stored root without the crypto key unless
// that root holds ciphertext.
func SkipEncryption() SetOption {
	return func(c *setConfig) {
		c.skipEncryption = true
	}
}

// Set writes value at key, encrypting it when its root is encrypted.
// A nil value is a no-op.
func (s *Store) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	return s.SetMultiple(ctx, map[string]any{key: value}, opts...)
}

// SetMultiple writes several keys in one atomic backend batch. Nil values
// are skipped.
func (s *Store) SetMultiple(ctx context.Context, values map[string]any, opts ...SetOption) error {
	var sc setConfig
	for _, opt := range opts {
		opt(&sc)
	}

	keys := make([]string, 0, len(values))
	for k, v := range values {
		if v != nil {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	var key *Key
	if !sc.skipEncryption {
		for _, k := range keys {
			if s.IsEncryptedKey(k) {
				if key = s.activeKey(); key == nil {
					return &KeyUnavailableError{Key: k}
				}
				break
			}
		}
	}

	roots := make(map[string]any)
	for _, k := range keys {
		root, path := splitKey(k)
		if len(path) == 0 {
			roots[root] = values[k]
			continue
		}
		cur, seen := roots[root]
		if !seen {
			var (
				loaded any
				err    error
			)
			if sc.skipEncryption {
				loaded, _, err = s.loadRootWith(ctx, s.activeKey(), k, root, false)
			} else {
				loaded, _, err = s.loadRoot(ctx, k, root, false)
			}
			if err != nil {
				return err
			}
			cur = loaded
		}
		roots[root] = setPath(cur, path, values[k])
	}

	encoded := make(map[string]json.RawMessage, len(roots))
	for root, v := range roots {
		raw, err := s.encodeRoot(root, v, key, sc.skipEncryption)
		if err != nil {
			return err
		}
		encoded[root] = raw
	}

	if len(encoded) == 1 {
		for root, raw := range encoded {
			if err := s.backend.PutEntry(ctx, s.namespace, root, raw); err != nil {
				return fmt.Errorf("failed to store %s: %w", root, err)
			}
		}
		return nil
	}
	if err := s.backend.PutEntries(ctx, s.namespace, encoded); err != nil {
		return fmt.Errorf("failed to store %d entries: %w", len(encoded), err)
	}
	return nil
}

// Exists reports whether key holds a value. Checking a dotted path under an
// encrypted root needs the crypto key; checking a root does not.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	root, path := splitKey(key)
	if len(path) > 0 && s.cfg.encrypted[root] {
		v, err := s.Get(ctx, key)
		if err != nil {
			return false, err
		}
		return present(v), nil
	}

	raw, ok, err := s.readRaw(ctx, root, true)
	if err != nil || !ok {
		return false, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", root, err)
	}
	val, found := getPath(v, path)
	return found && present(val), nil
}

// Delete removes key. Deleting a dotted path under an encrypted root needs
// the crypto key.
func (s *Store) Delete(ctx context.Context, key string) error {
	root, path := splitKey(key)
	if len(path) == 0 {
		if err := s.backend.DeleteEntry(ctx, s.namespace, root); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		return nil
	}

	var k *Key
	if s.cfg.encrypted[root] {
		if k = s.activeKey(); k == nil {
			return &KeyUnavailableError{Key: key}
		}
	}

	cur, ok, err := s.loadRoot(ctx, key, root, false)
	if err != nil || !ok {
		return err
	}
	next, changed := deletePath(cur, path)
	if !changed {
		return nil
	}
	raw, err := s.encodeRoot(root, next, k, false)
	if err != nil {
		return err
	}
	if err := s.backend.PutEntry(ctx, s.namespace, root, raw); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Clear removes every key of this instance.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.ClearNamespace(ctx, s.namespace); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.namespace, err)
	}
	return nil
}

// Keys lists the root keys of this instance.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.backend.ListKeys(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", s.namespace, err)
	}
	return keys, nil
}

// SetCryptoKey derives a key from passphrase, replaces any previous key,
// arms the expiry timer and runs pending encrypted-data migrations.
func (s *Store) SetCryptoKey(ctx context.Context, passphrase string) error {
	k, err := DeriveKey(passphrase)
	if err != nil {
		return err
	}
	s.armKey(k, s.cfg.ttl)
	s.cfg.metrics.RecordCryptoKeyEvent("set")
	s.cfg.logger.Debug("crypto key set")

	if err := s.runMigrations(ctx); err != nil {
		s.cfg.logger.WithError(err).Warn("encrypted data migration failed, will retry on next unlock")
	}
	return nil
}

// UnsetCryptoKey zeroes the key and stops the expiry timer. It is idempotent.
func (s *Store) UnsetCryptoKey() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		s.cfg.metrics.RecordCryptoKeyEvent("unset")
	}
	s.unsetLocked()
}

// IsCryptoKeyStored reports whether a non-expired key is held.
func (s *Store) IsCryptoKeyStored() bool {
	return s.activeKey() != nil
}

// CryptoKeyExpiresAt returns when the current key expires.
func (s *Store) CryptoKeyExpiresAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return time.Time{}, false
	}
	return s.expiresAt, true
}

// IsCryptoKeyValid reports whether passphrase decrypts the stored
// credentials. It never returns an error.
func (s *Store) IsCryptoKeyValid(ctx context.Context, passphrase string) bool {
	candidate, err := DeriveKey(passphrase)
	if err != nil {
		return false
	}
	defer candidate.Zero()

	raw, ok, err := s.readRaw(ctx, "credentials", false)
	if err != nil || !ok {
		return false
	}
	var stored string
	if err := json.Unmarshal(raw, &stored); err != nil {
		return false
	}
	v, err := open(candidate, stored)
	return err == nil && v != nil
}

// HasEncryptedData reports whether any encrypted root holds ciphertext.
func (s *Store) HasEncryptedData(ctx context.Context) (bool, error) {
	_, ok, err := s.firstCiphertext(ctx)
	return ok, err
}

// IsPassphraseValid reports whether passphrase opens the stored ciphertext.
// The credentials are tried first, then the other encrypted roots. With no
// ciphertext stored it returns false.
func (s *Store) IsPassphraseValid(ctx context.Context, passphrase string) bool {
	ciphertext, ok, err := s.firstCiphertext(ctx)
	if err != nil || !ok {
		return false
	}
	candidate, err := DeriveKey(passphrase)
	if err != nil {
		return false
	}
	defer candidate.Zero()

	v, err := open(candidate, ciphertext)
	return err == nil && v != nil
}

// firstCiphertext returns the stored ciphertext of the credentials, or of
// the first other encrypted root in name order that holds any.
func (s *Store) firstCiphertext(ctx context.Context) (string, bool, error) {
	roots := make([]string, 0, len(s.cfg.encrypted))
	for root := range s.cfg.encrypted {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		if (roots[i] == "credentials") != (roots[j] == "credentials") {
			return roots[i] == "credentials"
		}
		return roots[i] < roots[j]
	})

	for _, root := range roots {
		raw, ok, err := s.readRaw(ctx, root, false)
		if err != nil {
			return "", false, err
		}
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if looksEncrypted(v) {
			return v.(string), true, nil
		}
	}
	return "", false, nil
}

// SetNewPassword re-encrypts every encrypted root under a key derived from
// passphrase. With backup, the current values are snapshotted first; any
// failure before the write leaves the store untouched, and the snapshot is
// written back in a single atomic batch.
func (s *Store) SetNewPassword(ctx context.Context, passphrase string, backup bool) error {
	if !backup {
		return s.SetCryptoKey(ctx, passphrase)
	}

	current := s.activeKey()
	snapshotKey := current
	if snapshotKey == nil {
		var err error
		if snapshotKey, err = DeriveKey("temp"); err != nil {
			return err
		}
		defer snapshotKey.Zero()
	}

	snapshot, err := s.snapshotEncrypted(ctx, snapshotKey)
	if err != nil {
		return fmt.Errorf("failed to snapshot encrypted keys: %w", err)
	}

	next, err := DeriveKey(passphrase)
	if err != nil {
		return err
	}
	encoded := make(map[string]json.RawMessage, len(snapshot))
	for root, v := range snapshot {
		raw, err := s.encodeRoot(root, v, next, false)
		if err != nil {
			next.Zero()
			return err
		}
		encoded[root] = raw
	}

	prevExpiry, _ := s.CryptoKeyExpiresAt()
	s.armKey(next.clone(), s.cfg.ttl)
	next.Zero()

	if len(encoded) > 0 {
		if err := s.backend.PutEntries(ctx, s.namespace, encoded); err != nil {
			if current != nil {
				s.armKey(current, prevExpiry.Sub(s.cfg.now()))
			} else {
				s.UnsetCryptoKey()
			}
			return fmt.Errorf("failed to rewrite encrypted keys: %w", err)
		}
	}

	s.cfg.metrics.RecordCryptoKeyEvent("rotated")
	s.cfg.logger.Infof("re-encrypted %d keys under new passphrase", len(encoded))

	if err := s.runMigrations(ctx); err != nil {
		s.cfg.logger.WithError(err).Warn("encrypted data migration failed, will retry on next unlock")
	}
	return nil
}

// snapshotEncrypted returns the cleartext of every stored encrypted root.
// Values at rest in plaintext are taken as they are; ciphertext that does
// not open under k aborts the snapshot.
func (s *Store) snapshotEncrypted(ctx context.Context, k *Key) (map[string]any, error) {
	roots := make([]string, 0, len(s.cfg.encrypted))
	for root := range s.cfg.encrypted {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	out := make(map[string]any)
	for _, root := range roots {
		raw, ok, err := s.readRaw(ctx, root, false)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", root, err)
		}
		if !present(v) {
			continue
		}
		if plain, ok := unescapePlain(v); ok {
			out[root] = plain
			continue
		}
		if !looksEncrypted(v) {
			out[root] = v
			continue
		}
		plain, err := open(k, v.(string))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt %s: %w", root, err)
		}
		out[root] = plain
	}
	return out, nil
}

// activeKey returns a copy of the current key, or nil if none is set or it
// has expired. Expiry is checked on every call, independent of the timer.
func (s *Store) activeKey() *Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return nil
	}
	if !s.cfg.now().Before(s.expiresAt) {
		s.unsetLocked()
		s.cfg.metrics.RecordCryptoKeyEvent("expired")
		return nil
	}
	return s.key.clone()
}

func (s *Store) armKey(k *Key, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsetLocked()
	s.gen++
	gen := s.gen
	s.key = k
	s.expiresAt = s.cfg.now().Add(ttl)
	s.timer = time.AfterFunc(ttl, func() { s.expire(gen) })
	s.cfg.metrics.SetCryptoKeyActive(s.namespace, true)
}

// expire runs on the timer goroutine. A timer from an older key is ignored.
func (s *Store) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.key == nil {
		return
	}
	s.unsetLocked()
	s.cfg.metrics.RecordCryptoKeyEvent("expired")
	s.cfg.logger.Info("crypto key expired")
}

func (s *Store) unsetLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.key != nil {
		s.key.Zero()
		s.key = nil
	}
	s.expiresAt = time.Time{}
	s.cfg.metrics.SetCryptoKeyActive(s.namespace, false)
}

// adoptKey copies another instance's key with its remaining lifetime.
func (s *Store) adoptKey(other *Store) {
	k := other.activeKey()
	if k == nil {
		return
	}
	expiresAt, ok := other.CryptoKeyExpiresAt()
	if !ok {
		return
	}
	s.armKey(k, expiresAt.Sub(s.cfg.now()))
}

func (s *Store) readRaw(ctx context.Context, root string, fallback bool) (json.RawMessage, bool, error) {
	raw, ok, err := s.backend.GetEntry(ctx, s.namespace, root)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", root, err)
	}
	if ok || !fallback || s.cfg.baseNamespace == "" {
		return raw, ok, nil
	}
	raw, ok, err = s.backend.GetEntry(ctx, s.cfg.baseNamespace, root)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", root, err)
	}
	return raw, ok, nil
}

// loadRoot returns the decoded, decrypted value of root. key is the full
// key being accessed, for error messages.
func (s *Store) loadRoot(ctx context.Context, key, root string, fallback bool) (any, bool, error) {
	var k *Key
	if s.cfg.encrypted[root] {
		if k = s.activeKey(); k == nil {
			return nil, false, &KeyUnavailableError{Key: key}
		}
	}
	return s.loadRootWith(ctx, k, key, root, fallback)
}

// loadRootWith is loadRoot with an explicit key. Without a key, plaintext
// under an encrypted root is returned and ciphertext is refused.
func (s *Store) loadRootWith(ctx context.Context, k *Key, key, root string, fallback bool) (any, bool, error) {
	raw, ok, err := s.readRaw(ctx, root, fallback)
	if err != nil || !ok {
		return nil, false, err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s: %w", root, err)
	}
	if !s.cfg.encrypted[root] || !present(v) {
		return v, true, nil
	}
	if plain, escaped := unescapePlain(v); escaped {
		return plain, true, nil
	}

	ciphertext, isString := v.(string)
	if !isString || !looksEncrypted(v) {
		// Plaintext at rest, e.g. written with SkipEncryption.
		return v, true, nil
	}
	if k == nil {
		return nil, false, &KeyUnavailableError{Key: key}
	}

	plain, err := open(k, ciphertext)
	if err == nil {
		return plain, true, nil
	}
	if !s.cfg.repair {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrUndecryptable, key, err)
	}

	s.cfg.logger.WithError(err).WithField("key", root).
		Warn("stored value could not be decrypted, keeping raw value unencrypted")
	repaired, err := json.Marshal(escapePlain(v))
	if err != nil {
		return nil, false, fmt.Errorf("failed to repair %s: %w", root, err)
	}
	if perr := s.backend.PutEntry(ctx, s.namespace, root, repaired); perr != nil {
		return nil, false, fmt.Errorf("failed to repair %s: %w", root, perr)
	}
	return v, true, nil
}

func (s *Store) encodeRoot(root string, v any, k *Key, skipEncryption bool) (json.RawMessage, error) {
	switch {
	case !s.cfg.encrypted[root] || !present(v):
	case skipEncryption:
		v = escapePlain(v)
	default:
		if k == nil {
			return nil, &KeyUnavailableError{Key: root}
		}
		sealed, err := seal(k, v)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt %s: %w", root, err)
		}
		v = sealed
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", root, err)
	}
	return raw, nil
}

var _ KV = (*Store)(nil)

// IsKeyUnavailable reports whether err is a missing crypto key error.
func IsKeyUnavailable(err error) bool {
	return errors.Is(err, ErrCryptoKeyUnavailable)
}
