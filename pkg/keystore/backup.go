package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
)

const backupFormatVersion = 1

// backupDocument is the age-encrypted payload. Entries are raw backend
// values, so encrypted roots stay encrypted under the passphrase key.
type backupDocument struct {
	Version   int                        `json:"version"`
	Namespace string                     `json:"namespace"`
	CreatedAt time.Time                  `json:"created_at"`
	Entries   map[string]json.RawMessage `json:"entries"`
}

// BackupOptions selects who can open a backup. Exactly one of Passphrase
// or Recipients must be set.
type BackupOptions struct {
	Passphrase string
	Recipients []string
}

// RestoreOptions selects how a backup is opened and applied.
type RestoreOptions struct {
	Passphrase string
	Identities []string

	// Replace clears the instance before restoring.
	Replace bool
}

// BackupInfo summarizes an export or import.
type BackupInfo struct {
	Namespace string
	CreatedAt time.Time
	Keys      int
}

// Export writes every entry of the instance to w, encrypted with age.
func (s *Store) Export(ctx context.Context, w io.Writer, opts BackupOptions) (*BackupInfo, error) {
	recipients, err := backupRecipients(opts)
	if err != nil {
		return nil, err
	}

	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	doc := backupDocument{
		Version:   backupFormatVersion,
		Namespace: s.namespace,
		CreatedAt: time.Now().UTC(),
		Entries:   make(map[string]json.RawMessage, len(keys)),
	}
	for _, k := range keys {
		raw, ok, err := s.readRaw(ctx, k, false)
		if err != nil {
			return nil, err
		}
		if ok {
			doc.Entries[k] = raw
		}
	}

	enc, err := age.Encrypt(w, recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to start backup encryption: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to write backup: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish backup: %w", err)
	}

	s.cfg.logger.Infof("exported %d keys", len(doc.Entries))
	return &BackupInfo{Namespace: doc.Namespace, CreatedAt: doc.CreatedAt, Keys: len(doc.Entries)}, nil
}

// Import restores entries from an age-encrypted backup in one atomic batch.
func (s *Store) Import(ctx context.Context, r io.Reader, opts RestoreOptions) (*BackupInfo, error) {
	identities, err := restoreIdentities(opts)
	if err != nil {
		return nil, err
	}

	plain, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup: %w", err)
	}
	var doc backupDocument
	if err := json.NewDecoder(plain).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	if doc.Version != backupFormatVersion {
		return nil, fmt.Errorf("unsupported backup version %d", doc.Version)
	}

	if opts.Replace {
		if err := s.Clear(ctx); err != nil {
			return nil, err
		}
	}
	if len(doc.Entries) > 0 {
		if err := s.backend.PutEntries(ctx, s.namespace, doc.Entries); err != nil {
			return nil, fmt.Errorf("failed to restore entries: %w", err)
		}
	}

	s.cfg.logger.Infof("restored %d keys from backup of %s", len(doc.Entries), doc.Namespace)
	return &BackupInfo{Namespace: doc.Namespace, CreatedAt: doc.CreatedAt, Keys: len(doc.Entries)}, nil
}

func backupRecipients(opts BackupOptions) ([]age.Recipient, error) {
	switch {
	case opts.Passphrase != "" && len(opts.Recipients) > 0:
		return nil, errors.New("backup takes a passphrase or recipients, not both")
	case opts.Passphrase != "":
		r, err := age.NewScryptRecipient(opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to create passphrase recipient: %w", err)
		}
		return []age.Recipient{r}, nil
	case len(opts.Recipients) > 0:
		out := make([]age.Recipient, 0, len(opts.Recipients))
		for _, s := range opts.Recipients {
			r, err := age.ParseX25519Recipient(s)
			if err != nil {
				return nil, fmt.Errorf("invalid recipient %q: %w", s, err)
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, errors.New("backup needs a passphrase or at least one recipient")
	}
}

func restoreIdentities(opts RestoreOptions) ([]age.Identity, error) {
	var out []age.Identity
	if opts.Passphrase != "" {
		id, err := age.NewScryptIdentity(opts.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to create passphrase identity: %w", err)
		}
		out = append(out, id)
	}
	for _, s := range opts.Identities {
		id, err := age.ParseX25519Identity(s)
		if err != nil {
			return nil, errors.New("invalid age identity")
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("restore needs a passphrase or at least one identity")
	}
	return out, nil
}
