package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// migrationsKey records the last applied encrypted-data migration.
const migrationsKey = "migrations.encrypted"

// Migration rewrites stored data once a crypto key is available.
type Migration struct {
	Version int
	Name    string
	Apply   func(ctx context.Context, s *Store) error
}

// DefaultMigrations returns the built-in encrypted-data migrations.
func DefaultMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "reencrypt-legacy-ciphertext", Apply: reencryptLegacy},
	}
}

// runMigrations applies migrations newer than the recorded version, in
// version order. The recorded version advances after each success.
func (s *Store) runMigrations(ctx context.Context) error {
	if len(s.cfg.migrations) == 0 {
		return nil
	}

	applied, err := s.appliedMigration(ctx)
	if err != nil {
		return err
	}

	pending := make([]Migration, 0, len(s.cfg.migrations))
	for _, m := range s.cfg.migrations {
		if m.Version > applied {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		s.cfg.logger.Infof("applying encrypted data migration %d (%s)", m.Version, m.Name)
		if err := m.Apply(ctx, s); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if err := s.Set(ctx, migrationsKey, m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *Store) appliedMigration(ctx context.Context) (int, error) {
	v, err := s.Get(ctx, migrationsKey)
	if err != nil {
		return 0, err
	}
	n, _ := v.(float64)
	return int(n), nil
}

// reencryptLegacy rewrites legacy ECB ciphertext under the authenticated
// cipher. Values that do not open under the current key are left alone.
func reencryptLegacy(ctx context.Context, s *Store) error {
	k := s.activeKey()
	if k == nil {
		return &KeyUnavailableError{Key: "*"}
	}

	roots := make([]string, 0, len(s.cfg.encrypted))
	for root := range s.cfg.encrypted {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	rewritten := make(map[string]json.RawMessage)
	for _, root := range roots {
		raw, ok, err := s.readRaw(ctx, root, false)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if !looksEncrypted(v) || isSealed(v) {
			continue
		}
		plain, err := open(k, v.(string))
		if err != nil {
			s.cfg.logger.WithField("key", root).Warn("legacy value does not open under current key, skipped")
			continue
		}
		enc, err := s.encodeRoot(root, plain, k, false)
		if err != nil {
			return err
		}
		rewritten[root] = enc
	}

	if len(rewritten) == 0 {
		return nil
	}
	if err := s.backend.PutEntries(ctx, s.namespace, rewritten); err != nil {
		return fmt.Errorf("failed to store re-encrypted values: %w", err)
	}
	s.cfg.logger.Infof("re-encrypted %d legacy values", len(rewritten))
	return nil
}
