package keyvault

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stakehost/stakehost/pkg/keystore"
	"github.com/stakehost/stakehost/pkg/telemetry"
	"github.com/stakehost/stakehost/pkg/transports/ssh"
)

// composeBinary is where installDockerScope puts docker-compose.
const composeBinary = "/usr/local/bin/docker-compose"

// installCommands bootstrap docker on a fresh Amazon Linux server.
var installCommands = []string{
	"sudo yum update -y",
	"sudo yum install docker -y",
	"sudo service docker start",
	"sudo usermod -a -G docker " + ssh.DefaultUser,
	`sudo curl -L "https://github.com/docker/compose/releases/download/1.26.0/docker-compose-$(uname -s)-$(uname -m)" -o ` +
		composeBinary + " && sudo chmod +x " + composeBinary,
}

// Settings configure the key-vault deployment.
type Settings struct {
	Image         string
	Version       string
	ContainerName string
	Port          int
	WorkDir       string
	Networks      []string

	// StartAttempts bounds how long the init script waits for the API.
	StartAttempts int

	// HealthTimeout bounds getKeyVaultStatus polling.
	HealthTimeout  time.Duration
	HealthInterval time.Duration
}

// DefaultSettings returns the settings of a standard deployment.
func DefaultSettings() Settings {
	return Settings{
		Image:          "bloxstaking/key-vault",
		Version:        "v0.1.8",
		ContainerName:  "key_vault",
		Port:           8200,
		WorkDir:        "/home/" + ssh.DefaultUser + "/key-vault",
		Networks:       []string{"pyrmont", "mainnet"},
		StartAttempts:  30,
		HealthTimeout:  2 * time.Minute,
		HealthInterval: 3 * time.Second,
	}
}

// Dialer opens a connected transport to host using privateKey.
type Dialer func(ctx context.Context, host string, privateKey []byte) (ssh.Transport, error)

// SSHDialer returns a Dialer that copies base, fills in host and key, and
// connects.
func SSHDialer(base ssh.Config) Dialer {
	return func(ctx context.Context, host string, privateKey []byte) (ssh.Transport, error) {
		cfg := base
		cfg.Host = host
		cfg.PrivateKey = privateKey
		client, err := ssh.NewSSHClient(&cfg)
		if err != nil {
			return nil, err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}
}

// keyPair is the stored EC2 key pair.
type keyPair struct {
	KeyPairID  string `json:"keyPairId"`
	KeyName    string `json:"keyName"`
	PrivateKey string `json:"privateKey"`
}

// Service operates the key vault on the provisioned server.
type Service struct {
	kv       keystore.KV
	settings Settings
	dial     Dialer
	logger   *telemetry.Logger

	mu        sync.Mutex
	transport ssh.Transport
	host      string
}

// NewService creates a key-vault service reading connection details from kv.
func NewService(kv keystore.KV, settings Settings, dial Dialer, logger *telemetry.Logger) *Service {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Service{
		kv:       kv,
		settings: settings,
		dial:     dial,
		logger:   logger.NewComponentLogger("keyvault"),
	}
}

// Close disconnects from the server.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return nil
	}
	err := s.transport.Disconnect()
	s.transport = nil
	s.host = ""
	return err
}

// runner returns a Runner over a connection to the stored public IP. The
// connection is reused until the IP changes.
func (s *Service) runner(ctx context.Context) (*Runner, error) {
	host, err := s.kv.GetString(ctx, "publicIp")
	if err != nil {
		return nil, err
	}
	if host == "" {
		return nil, errors.New("publicIp is not set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil && s.host == host && s.transport.IsConnected() {
		return NewRunner(s.transport, s.logger), nil
	}
	if s.transport != nil {
		_ = s.transport.Disconnect()
		s.transport = nil
	}

	var kp keyPair
	if err := keystore.GetInto(ctx, s.kv, "keyPair", &kp); err != nil {
		return nil, err
	}
	if kp.PrivateKey == "" {
		return nil, errors.New("keyPair private key is not set")
	}

	t, err := s.dial(ctx, host, []byte(kp.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", host, err)
	}
	s.logger.WithField("host", host).Debug("connected to key vault server")
	s.transport = t
	s.host = host
	return NewRunner(t, s.logger), nil
}

func (s *Service) vault(ctx context.Context) (*vaultClient, error) {
	r, err := s.runner(ctx)
	if err != nil {
		return nil, err
	}
	return &vaultClient{runner: r, port: s.settings.Port}, nil
}

func (s *Service) rootToken(ctx context.Context) (string, error) {
	token, err := s.kv.GetString(ctx, "vaultRootToken")
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", errors.New("vaultRootToken is not set")
	}
	return token, nil
}

// InstallDockerScope installs docker and docker-compose unless docker is
// already present.
func (s *Service) InstallDockerScope(ctx context.Context) error {
	r, err := s.runner(ctx)
	if err != nil {
		return err
	}

	// docker -v fails on a fresh server, which only means docker is missing
	out, _ := r.Run(ctx, "docker -v")
	if strings.Contains(out, "version") {
		s.logger.Debug("docker already installed")
		return nil
	}

	for _, cmd := range installCommands {
		if _, err := r.Run(ctx, cmd); err != nil {
			return fmt.Errorf("failed to install docker: %w", err)
		}
	}
	return nil
}

// RunDockerContainer uploads the compose file and starts the key vault.
func (s *Service) RunDockerContainer(ctx context.Context) error {
	r, err := s.runner(ctx)
	if err != nil {
		return err
	}

	compose, err := renderAsset(composeTemplate, s.settings.assetData())
	if err != nil {
		return err
	}
	composePath := path.Join(s.settings.WorkDir, "docker-compose.yml")
	if err := r.Upload(ctx, compose, composePath, 0o644); err != nil {
		return err
	}

	cmd := fmt.Sprintf("cd %s && sudo %s up -d --remove-orphans", shellQuote(s.settings.WorkDir), composeBinary)
	if _, err := r.Run(ctx, cmd); err != nil {
		return fmt.Errorf("failed to start key vault container: %w", err)
	}

	return s.kv.Set(ctx, "keyVaultVersion", s.settings.Version)
}

// RunScripts uploads and runs the init script, which initializes and
// unseals the key vault.
func (s *Service) RunScripts(ctx context.Context) error {
	r, err := s.runner(ctx)
	if err != nil {
		return err
	}

	script, err := renderAsset(initScriptTemplate, s.settings.assetData())
	if err != nil {
		return err
	}
	scriptPath := path.Join(s.settings.WorkDir, "init-vault.sh")
	if err := r.Upload(ctx, script, scriptPath, 0o755); err != nil {
		return err
	}

	if _, err := r.Exec(ctx, "sudo sh "+shellQuote(scriptPath)); err != nil {
		return fmt.Errorf("failed to initialize key vault: %w", err)
	}
	return nil
}

// GetKeyVaultRootToken reads the root token written by the init script
// and stores it.
func (s *Service) GetKeyVaultRootToken(ctx context.Context) error {
	r, err := s.runner(ctx)
	if err != nil {
		return err
	}

	tokenPath := path.Join(s.settings.WorkDir, "data", "keys", "vault.root.token")
	token, err := r.Exec(ctx, "sudo cat "+shellQuote(tokenPath))
	if err != nil {
		return fmt.Errorf("failed to read key vault root token: %w", err)
	}
	if token == "" {
		return errors.New("key vault root token is empty")
	}
	return s.kv.Set(ctx, "vaultRootToken", token)
}

// InitKeyVaultApi mounts the signing backend for every network.
func (s *Service) InitKeyVaultApi(ctx context.Context) error {
	token, err := s.rootToken(ctx)
	if err != nil {
		return err
	}
	c, err := s.vault(ctx)
	if err != nil {
		return err
	}

	for _, network := range s.settings.Networks {
		body := map[string]any{
			"type":        "ethsign",
			"description": "validator signing for " + network,
		}
		err := c.call(ctx, "POST", "sys/mounts/ethereum/"+network, token, body, nil)
		var ve *VaultError
		if errors.As(err, &ve) && ve.Contains("path is already in use") {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to mount %s: %w", network, err)
		}
	}
	return nil
}

// UpdateVaultStorage pushes the local wallet storage of every network that
// has one to the key vault.
func (s *Service) UpdateVaultStorage(ctx context.Context) error {
	token, err := s.rootToken(ctx)
	if err != nil {
		return err
	}
	c, err := s.vault(ctx)
	if err != nil {
		return err
	}

	pushed := 0
	for _, network := range s.settings.Networks {
		storage, err := s.kv.Get(ctx, "keyVaultStorage."+network)
		if err != nil {
			return err
		}
		if storage == nil {
			continue
		}
		body := map[string]any{"data": storage}
		if err := c.call(ctx, "POST", "ethereum/"+network+"/storage", token, body, nil); err != nil {
			return fmt.Errorf("failed to update %s storage: %w", network, err)
		}
		pushed++
	}
	s.logger.WithField("networks", pushed).Debug("key vault storage updated")
	return nil
}

// GetKeyVaultStatus polls sys/health until the key vault is initialized
// and unsealed, or the health timeout passes.
func (s *Service) GetKeyVaultStatus(ctx context.Context) (*Health, error) {
	c, err := s.vault(ctx)
	if err != nil {
		return nil, err
	}

	return backoff.Retry(ctx, func() (*Health, error) {
		var h Health
		if err := c.call(ctx, "GET", "sys/health", "", nil, &h); err != nil {
			return nil, err
		}
		if !h.Initialized {
			return &h, errors.New("key vault is not initialized")
		}
		if h.Sealed {
			return &h, errors.New("key vault is sealed")
		}
		return &h, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(s.settings.HealthInterval)),
		backoff.WithMaxElapsedTime(s.settings.HealthTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.WithError(err).WithField("retry_in", next.String()).Debug("key vault not ready")
		}),
	)
}

// ListAccounts returns the accounts of network, newest first.
func (s *Service) ListAccounts(ctx context.Context, network string) ([]Account, error) {
	if network == "" {
		return nil, errors.New("network is required")
	}
	token, err := s.rootToken(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.vault(ctx)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data struct {
			Accounts []Account `json:"accounts"`
		} `json:"data"`
	}
	if err := c.call(ctx, "LIST", "ethereum/"+network+"/accounts", token, nil, &resp); err != nil {
		return nil, err
	}
	sortAccountsDesc(resp.Data.Accounts)
	return resp.Data.Accounts, nil
}
