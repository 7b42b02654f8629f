package commands

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakehost/stakehost/pkg/engine"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand("test", "none", "today")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitAndInspect(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "--data-dir", dir, "init", "--user", "42", "--token", "secret-token")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Logged in as 42")
	assert.FileExists(t, filepath.Join(dir, "stakehost.yaml"))
	assert.FileExists(t, filepath.Join(dir, "stakehost.db"))
	assert.DirExists(t, filepath.Join(dir, "policies"))

	out, err = execute(t, "--data-dir", dir, "store", "get", "--base", "currentUserId")
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	out, err = execute(t, "--data-dir", dir, "runs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded.")

	out, err = execute(t, "--data-dir", dir, "--json", "runs", "audit", "--action", "user.login")
	require.NoError(t, err)
	assert.Contains(t, out, `"actor": "42"`)

	_, err = execute(t, "--data-dir", dir, "passphrase", "verify")
	assert.ErrorIs(t, err, errNothingEncrypted)

	// a second init keeps the settings file
	out, err = execute(t, "--data-dir", dir, "init")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Kept settings")
}

func TestUnlockAfterRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := execute(t, "--data-dir", dir, "init", "--user", "42", "--token", "secret-token")
	require.NoError(t, err)

	prev := dataDir
	dataDir = dir
	defer func() { dataDir = prev }()

	a, err := openApp(ctx)
	require.NoError(t, err)
	defer a.Close()
	main, err := a.main(ctx)
	require.NoError(t, err)

	// a recovered store holds the seed but no credentials
	require.NoError(t, main.SetNewPassword(ctx, "recovery-pass", false))
	require.NoError(t, main.Set(ctx, "seed", "recovered-seed"))
	main.UnsetCryptoKey()

	t.Setenv(passphraseEnv, "some-other-pass")
	assert.ErrorIs(t, a.unlock(ctx, main), errWrongPassphrase)
	assert.False(t, main.IsCryptoKeyStored())

	t.Setenv(passphraseEnv, "recovery-pass")
	require.NoError(t, a.unlock(ctx, main))
	seed, err := main.GetString(ctx, "seed")
	require.NoError(t, err)
	assert.Equal(t, "recovered-seed", seed)

	out, err := execute(t, "--data-dir", dir, "passphrase", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Passphrase opens the store")
}

func TestCommandsNeedLogin(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--data-dir", dir, "store", "keys")
	assert.ErrorIs(t, err, errNotLoggedIn)

	_, err = execute(t, "--data-dir", dir, "runs", "show", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run missing not found")
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "--json", "version")
	require.NoError(t, err)
	assert.Contains(t, out, `"version": "test"`)
	assert.Contains(t, out, `"commit": "none"`)
}

type handle struct{}

func (handle) ID() string                 { return "run-1" }
func (handle) Name() string               { return "install" }
func (handle) State() engine.ProcessState { return engine.ProcessStateRunning }
func (handle) StepCount() int             { return 3 }
func (handle) CurrentStep() int           { return 2 }

func TestProgressObserver(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		obs := progressObserver(&buf)
		obs.Update(handle{}, engine.Payload{Kind: engine.PayloadStepStarted, Step: 2, Total: 3, Message: "Creating instance..."})
		obs.Update(handle{}, engine.Payload{Kind: engine.PayloadStepFailed, DisplayMessage: "Instance failed to start"})
		obs.Update(handle{}, engine.Payload{Kind: engine.PayloadFallbackStarted, State: "createBloxAccount"})
		obs.Update(handle{}, engine.Payload{Kind: engine.PayloadStepStarted, Step: 2, Total: 3, Message: "Removing account...", Fallback: true})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 4)
		assert.Equal(t, "[2/3] Creating instance...", lines[0])
		assert.Equal(t, "✗ Instance failed to start", lines[1])
		assert.Equal(t, "  rolling back createBloxAccount", lines[2])
		assert.Equal(t, "    [2/3] Removing account...", lines[3])
	})

	t.Run("json", func(t *testing.T) {
		jsonOutput = true
		defer func() { jsonOutput = false }()

		var buf bytes.Buffer
		obs := progressObserver(&buf)
		obs.Update(handle{}, engine.Payload{Kind: engine.PayloadStepFailed, Step: 1, Total: 3, Err: errors.New("boom")})

		out := buf.String()
		assert.Contains(t, out, `"run_id":"run-1"`)
		assert.Contains(t, out, `"kind":"step.failed"`)
		assert.Contains(t, out, `"error":"boom"`)
	})
}

func TestReadLineFrom(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("first\r\nsecond"))

	line, err := readLineFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = readLineFrom(r)
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	_, err = readLineFrom(r)
	assert.Error(t, err)
}

func TestReadIdentityFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.txt")
	content := "# created: 2026-01-01\n# public key: age1abc\nAGE-SECRET-KEY-1TEST\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	ids, err := readIdentityFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AGE-SECRET-KEY-1TEST"}, ids)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))
	_, err = readIdentityFile(empty)
	assert.Error(t, err)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abcd", shorten("0xabcd"))
	assert.Equal(t, "0x01234567…89abcdef", shorten("0x0123456789abcdef0123456789abcdef"))
	assert.Equal(t, "-", orDash(""))
}
