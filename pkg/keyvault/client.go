package keyvault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// VaultError is an error list returned by the key-vault HTTP API.
type VaultError struct {
	Path   string
	Errors []string
}

func (e *VaultError) Error() string {
	return fmt.Sprintf("key vault %s: %s", e.Path, strings.Join(e.Errors, "; "))
}

// Contains reports whether any returned error mentions substr.
func (e *VaultError) Contains(substr string) bool {
	for _, msg := range e.Errors {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// Health is the key vault's sys/health response.
type Health struct {
	Initialized bool   `json:"initialized"`
	Sealed      bool   `json:"sealed"`
	Standby     bool   `json:"standby"`
	Version     string `json:"version"`
}

// Account is a validator account held by the key vault.
type Account struct {
	ID               int    `json:"id"`
	Name             string `json:"name"`
	ValidationPubKey string `json:"validationPubKey"`
	WithdrawalPubKey string `json:"withdrawalPubKey"`
}

// vaultClient calls the key-vault API from the server itself, so the API
// never has to be reachable from the workstation.
type vaultClient struct {
	runner *Runner
	port   int
}

// call sends one request with curl and decodes the JSON response into out.
// curl reports transport failures on stderr, which Exec turns into errors.
func (c *vaultClient) call(ctx context.Context, method, path, token string, body, out any) error {
	args := []string{
		"curl", "-sS",
		"-X", method,
		"-H", shellQuote("Content-Type: application/json"),
	}
	if token != "" {
		args = append(args, "-H", shellQuote("Authorization: Bearer "+token))
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		args = append(args, "--data-raw", shellQuote(string(data)))
	}
	args = append(args, shellQuote(fmt.Sprintf("http://127.0.0.1:%d/v1/%s", c.port, path)))

	stdout, err := c.runner.Exec(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("key vault %s %s: %w", method, path, err)
	}
	if stdout == "" {
		return nil
	}

	var envelope struct {
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal([]byte(stdout), &envelope); err != nil {
		return fmt.Errorf("key vault %s %s: invalid response: %w", method, path, err)
	}
	if len(envelope.Errors) > 0 {
		return &VaultError{Path: path, Errors: envelope.Errors}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(stdout), out); err != nil {
		return fmt.Errorf("key vault %s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// AccountIndex returns N for an account named "account-N", or -1.
func AccountIndex(name string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(name, "account-"))
	if err != nil || !strings.HasPrefix(name, "account-") {
		return -1
	}
	return n
}

func sortAccountsDesc(accounts []Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		return AccountIndex(accounts[i].Name) > AccountIndex(accounts[j].Name)
	})
}
