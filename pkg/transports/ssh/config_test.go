package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	key := []byte("pem")
	config := DefaultConfig("54.1.2.3", key)

	if config.Host != "54.1.2.3" {
		t.Errorf("expected host '54.1.2.3', got '%s'", config.Host)
	}
	if config.User != DefaultUser {
		t.Errorf("expected user %q, got %q", DefaultUser, config.User)
	}
	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected auth method 'key', got '%s'", config.AuthMethod)
	}
	if string(config.PrivateKey) != "pem" {
		t.Errorf("expected in-memory key to be kept")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected connection timeout 30s, got %v", config.ConnectionTimeout)
	}
	if config.StrictHostKeyChecking {
		t.Error("fresh servers are not pinned by default")
	}
}

func TestConfigValidation(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyFile, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{
			name:       "valid in-memory key",
			modifyFunc: func(c *Config) {},
		},
		{
			name: "valid password",
			modifyFunc: func(c *Config) {
				c.PrivateKey = nil
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
		},
		{
			name: "valid key path",
			modifyFunc: func(c *Config) {
				c.PrivateKey = nil
				c.PrivateKeyPath = keyFile
			},
		},
		{
			name:       "missing host",
			modifyFunc: func(c *Config) { c.Host = "" },
			errorMsg:   "host is required",
		},
		{
			name:       "invalid port",
			modifyFunc: func(c *Config) { c.Port = 70000 },
			errorMsg:   "invalid port",
		},
		{
			name:       "missing user",
			modifyFunc: func(c *Config) { c.User = "" },
			errorMsg:   "user is required",
		},
		{
			name: "missing password",
			modifyFunc: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
			},
			errorMsg: "password is required",
		},
		{
			name:       "missing key",
			modifyFunc: func(c *Config) { c.PrivateKey = nil },
			errorMsg:   "private key or private key path is required",
		},
		{
			name: "key file not found",
			modifyFunc: func(c *Config) {
				c.PrivateKey = nil
				c.PrivateKeyPath = filepath.Join(t.TempDir(), "missing")
			},
			errorMsg: "private key file not found",
		},
		{
			name:       "unsupported auth",
			modifyFunc: func(c *Config) { c.AuthMethod = "agent" },
			errorMsg:   "unsupported auth method",
		},
		{
			name:       "strict without known hosts",
			modifyFunc: func(c *Config) { c.StrictHostKeyChecking = true },
			errorMsg:   "known hosts path is required",
		},
		{
			name:       "zero connection timeout",
			modifyFunc: func(c *Config) { c.ConnectionTimeout = 0 },
			errorMsg:   "connection timeout must be positive",
		},
		{
			name:       "zero command timeout",
			modifyFunc: func(c *Config) { c.CommandTimeout = 0 },
			errorMsg:   "command timeout must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("example.com", []byte("pem"))
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("example.com", nil)
	config.Port = 2222
	if got := config.Address(); got != "example.com:2222" {
		t.Errorf("expected 'example.com:2222', got %q", got)
	}

	config.Host = "::1"
	if got := config.Address(); got != "[::1]:2222" {
		t.Errorf("expected '[::1]:2222', got %q", got)
	}
}

func TestBuildSSHClientConfig(t *testing.T) {
	_, pemKey, err := generateClientKey()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("in-memory key", func(t *testing.T) {
		config := DefaultConfig("example.com", pemKey)
		cc, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cc.User != DefaultUser {
			t.Errorf("expected user %q, got %q", DefaultUser, cc.User)
		}
		if len(cc.Auth) != 1 {
			t.Errorf("expected 1 auth method, got %d", len(cc.Auth))
		}
		if cc.HostKeyCallback == nil {
			t.Error("expected a host key callback")
		}
	})

	t.Run("key from file", func(t *testing.T) {
		keyFile := filepath.Join(t.TempDir(), "key.pem")
		if err := os.WriteFile(keyFile, pemKey, 0o600); err != nil {
			t.Fatal(err)
		}
		config := DefaultConfig("example.com", nil)
		config.PrivateKeyPath = keyFile
		if _, err := config.BuildSSHClientConfig(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("password adds keyboard-interactive", func(t *testing.T) {
		config := DefaultConfig("example.com", nil)
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		cc, err := config.BuildSSHClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(cc.Auth) != 2 {
			t.Errorf("expected 2 auth methods, got %d", len(cc.Auth))
		}
	})

	t.Run("garbage key", func(t *testing.T) {
		config := DefaultConfig("example.com", []byte("not a key"))
		_, err := config.BuildSSHClientConfig()
		if err == nil || !strings.Contains(err.Error(), "failed to parse private key") {
			t.Errorf("expected parse error, got %v", err)
		}
	})

	t.Run("strict uses known hosts", func(t *testing.T) {
		hostPub, _, err := generateTestKey()
		if err != nil {
			t.Fatal(err)
		}
		knownHosts := filepath.Join(t.TempDir(), "known_hosts")
		line := "example.com " + string(ssh.MarshalAuthorizedKey(hostPub))
		if err := os.WriteFile(knownHosts, []byte(line), 0o600); err != nil {
			t.Fatal(err)
		}

		config := DefaultConfig("example.com", pemKey)
		config.StrictHostKeyChecking = true
		config.KnownHostsPath = knownHosts
		if _, err := config.BuildSSHClientConfig(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
