package keystore

import (
	"bytes"
	"context"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakehost/stakehost/pkg/engine"
)

func newLoggedInRegistry(t *testing.T, userID string) *Registry {
	t.Helper()
	reg := NewRegistry(NewMemoryBackend())
	require.NoError(t, reg.Login(context.Background(), userID, "token-1"))
	t.Cleanup(func() { reg.closeAll() })
	return reg
}

func TestRegistry_NotReadyWithoutUser(t *testing.T) {
	reg := NewRegistry(NewMemoryBackend())

	_, err := reg.Main(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, reg.Login(context.Background(), "", "t"), ErrNotReady)
}

func TestRegistry_Namespace(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, `google-oauth2|123/x:y`)

	cases := []struct {
		name   string
		env    string
		prefix string
		want   string
	}{
		{"main", "", "", "base-google-oauth2-123-x-y"},
		{"temp", "", TempPrefix, "base-google-oauth2-123-x-y-tmp"},
		{"production main", "production", "", "base-google-oauth2-123-x-y"},
		{"stage main", "stage", "", "base-google-oauth2-123-x-y-stage"},
		{"stage temp", "stage", TempPrefix, "base-google-oauth2-123-x-y-stagetmp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.env == "" {
				require.NoError(t, reg.DeleteEnv(ctx))
			} else {
				require.NoError(t, reg.SetEnv(ctx, tc.env))
			}
			got, err := reg.Namespace(ctx, tc.prefix)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRegistry_InstancesAreCached(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	a, err := reg.Main(ctx)
	require.NoError(t, err)
	b, err := reg.Main(ctx)
	require.NoError(t, err)
	assert.Same(t, a, b)

	assert.True(t, reg.Exists(""))
	assert.False(t, reg.Exists(TempPrefix))

	reg.Close("")
	assert.False(t, reg.Exists(""))
}

func TestRegistry_PrefixedInstanceInheritsKey(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)
	require.NoError(t, main.SetCryptoKey(ctx, testPassphrase))

	tmp, err := reg.Temp(ctx)
	require.NoError(t, err)
	assert.True(t, tmp.IsCryptoKeyStored())

	mainExp, _ := main.CryptoKeyExpiresAt()
	tmpExp, _ := tmp.CryptoKeyExpiresAt()
	assert.WithinDuration(t, mainExp, tmpExp, 0, "inherited key keeps the remaining lifetime")
}

func TestRegistry_BaseFallback(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)

	token, err := main.GetString(ctx, "authToken")
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)

	require.NoError(t, main.Set(ctx, "authToken", "local"))
	token, err = main.GetString(ctx, "authToken")
	require.NoError(t, err)
	assert.Equal(t, "local", token)
}

func TestRegistry_LoginAsOtherUserClosesInstances(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)
	require.NoError(t, main.SetCryptoKey(ctx, testPassphrase))

	require.NoError(t, reg.Login(ctx, "alice", "token-2"))
	assert.True(t, reg.Exists(""), "same user keeps instances")

	require.NoError(t, reg.Login(ctx, "bob", "token-3"))
	assert.False(t, reg.Exists(""))
	assert.False(t, main.IsCryptoKeyStored())

	bobs, err := reg.Main(ctx)
	require.NoError(t, err)
	assert.Equal(t, "base-bob", bobs.Namespace())
}

func TestRegistry_Logout(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)
	require.NoError(t, main.Set(ctx, "uuid", "u-1"))

	require.NoError(t, reg.Logout(ctx))
	_, err = reg.Main(ctx)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, reg.Login(ctx, "alice", "token-1"))
	main, err = reg.Main(ctx)
	require.NoError(t, err)
	uuid, err := main.GetString(ctx, "uuid")
	require.NoError(t, err)
	assert.Equal(t, "u-1", uuid, "per-user data survives logout")
}

func TestRegistry_UnlockAll(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)
	tmp, err := reg.Temp(ctx)
	require.NoError(t, err)

	require.NoError(t, reg.UnlockAll(ctx, testPassphrase))
	assert.True(t, main.IsCryptoKeyStored())
	assert.True(t, tmp.IsCryptoKeyStored())
	assert.Equal(t, []string{"", TempPrefix}, reg.Prefixes())
}

func seedMain(t *testing.T, main *Store) {
	t.Helper()
	require.NoError(t, main.SetMultiple(context.Background(), map[string]any{
		"uuid":            "u-1",
		"credentials":     map[string]any{"accessKeyId": "A", "secretAccessKey": "B"},
		"keyPair":         map[string]any{"privateKey": "pk", "keyName": "kn"},
		"securityGroupId": "sg-1",
		"slashingData":    map[string]any{"pubkey": "data"},
		"index":           "2",
		"seed":            "seed-hex",
		"publicIp":        "1.1.1.1",
	}))
}

func TestRegistry_StageAndCommitReinstall(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	main, err := reg.Main(ctx)
	require.NoError(t, err)
	require.NoError(t, main.SetCryptoKey(ctx, testPassphrase))
	seedMain(t, main)

	require.NoError(t, reg.StageForReinstall(ctx))

	tmp, err := reg.Temp(ctx)
	require.NoError(t, err)
	for _, f := range stagedFields {
		ok, err := tmp.Exists(ctx, f)
		require.NoError(t, err)
		assert.True(t, ok, "%s staged", f)
	}
	creds, err := tmp.GetString(ctx, "credentials.accessKeyId")
	require.NoError(t, err)
	assert.Equal(t, "A", creds)

	for _, f := range rotatedFields {
		ok, err := main.Exists(ctx, f)
		require.NoError(t, err)
		assert.False(t, ok, "%s removed from main", f)
	}
	seed, err := main.GetString(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, "seed-hex", seed, "main keeps the seed")

	// provisioning writes its results into the staging instance
	require.NoError(t, tmp.SetMultiple(ctx, map[string]any{
		"addressId":       "eipalloc-2",
		"publicIp":        "2.2.2.2",
		"instanceId":      "i-2",
		"vaultRootToken":  "root-token",
		"keyVaultVersion": "v1.5.0",
	}))

	require.NoError(t, reg.CommitStagedReinstall(ctx))

	ip, err := main.GetString(ctx, "publicIp")
	require.NoError(t, err)
	assert.Equal(t, "2.2.2.2", ip)
	token, err := main.GetString(ctx, "vaultRootToken")
	require.NoError(t, err)
	assert.Equal(t, "root-token", token)

	keys, err := tmp.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRegistry_StageWithoutKeyFails(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")

	err := reg.StageForReinstall(ctx)
	assert.ErrorIs(t, err, ErrCryptoKeyUnavailable)
}

func TestStorageOwner_Operations(t *testing.T) {
	ctx := context.Background()
	reg := newLoggedInRegistry(t, "alice")
	main, err := reg.Main(ctx)
	require.NoError(t, err)
	require.NoError(t, main.SetCryptoKey(ctx, testPassphrase))
	seedMain(t, main)

	owner := NewStorageOwner(reg)
	assert.Equal(t, "storage", owner.OwnerName())

	prepare, err := engine.NewActionStep(owner, "prepareTmpStorage")
	require.NoError(t, err)
	assert.Equal(t, "Creating local backup...", prepare.DisplayName())

	save, err := engine.NewActionStep(owner, "saveTmpConfigIntoMain")
	require.NoError(t, err)
	assert.Equal(t, "Configuring local storage...", save.DisplayName())

	ops := owner.Operations()
	_, err = ops["prepareTmpStorage"].Run(ctx, nil)
	require.NoError(t, err)
	assert.True(t, reg.Exists(TempPrefix))

	_, err = ops["saveTmpConfigIntoMain"].Run(ctx, nil)
	require.NoError(t, err)
	tmp, err := reg.Temp(ctx)
	require.NoError(t, err)
	keys, err := tmp.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = ops["clearStorage"].Run(ctx, nil)
	require.NoError(t, err)
	keys, err = main.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ExportImportWithRecipient(t *testing.T) {
	ctx := context.Background()
	src := newUnlockedStore(t, NewMemoryBackend())
	require.NoError(t, src.SetMultiple(ctx, map[string]any{"seed": "abc", "uuid": "u-1"}))

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var buf bytes.Buffer
	info, err := src.Export(ctx, &buf, BackupOptions{Recipients: []string{id.Recipient().String()}})
	require.NoError(t, err)
	assert.Equal(t, "base-alice", info.Namespace)
	assert.NotContains(t, buf.String(), "u-1")

	dstBackend := NewMemoryBackend()
	dst := NewStore(dstBackend, "base-alice")
	restored, err := dst.Import(ctx, &buf, RestoreOptions{Identities: []string{id.String()}})
	require.NoError(t, err)
	assert.Equal(t, info.Keys, restored.Keys)

	require.NoError(t, dst.SetCryptoKey(ctx, testPassphrase))
	t.Cleanup(dst.UnsetCryptoKey)
	seed, err := dst.GetString(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, "abc", seed)
}

func TestStore_ExportImportWithPassphrase(t *testing.T) {
	ctx := context.Background()
	src := NewStore(NewMemoryBackend(), "base-alice")
	require.NoError(t, src.Set(ctx, "uuid", "u-1"))

	var buf bytes.Buffer
	_, err := src.Export(ctx, &buf, BackupOptions{Passphrase: "backup pass"})
	require.NoError(t, err)
	data := buf.Bytes()

	dst := NewStore(NewMemoryBackend(), "base-alice")
	require.NoError(t, dst.Set(ctx, "stale", "x"))

	_, err = dst.Import(ctx, bytes.NewReader(data), RestoreOptions{Passphrase: "wrong"})
	require.Error(t, err)

	_, err = dst.Import(ctx, bytes.NewReader(data), RestoreOptions{Passphrase: "backup pass", Replace: true})
	require.NoError(t, err)

	keys, err := dst.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid"}, keys)
}

func TestBackupOptionsValidation(t *testing.T) {
	_, err := backupRecipients(BackupOptions{})
	assert.Error(t, err)
	_, err = backupRecipients(BackupOptions{Passphrase: "p", Recipients: []string{"age1x"}})
	assert.Error(t, err)
	_, err = backupRecipients(BackupOptions{Recipients: []string{"not-a-recipient"}})
	assert.Error(t, err)
	_, err = restoreIdentities(RestoreOptions{})
	assert.Error(t, err)
}
