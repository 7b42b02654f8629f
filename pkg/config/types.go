package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/stakehost/stakehost/pkg/api"
	"github.com/stakehost/stakehost/pkg/keyvault"
	"github.com/stakehost/stakehost/pkg/policy"
	"github.com/stakehost/stakehost/pkg/providers/aws"
	"github.com/stakehost/stakehost/pkg/telemetry"
	"github.com/stakehost/stakehost/pkg/transports/ssh"
)

// Settings is the complete CLI configuration.
type Settings struct {
	// DataDir holds the database and the policy directory by default.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Database is the SQLite file. Relative paths are resolved against DataDir.
	Database string `yaml:"database" validate:"required"`

	// Env selects the store environment; anything but production gets its
	// own namespaces.
	Env string `yaml:"env" validate:"required,alphanum"`

	// UserID is the account the keyed store is scoped to.
	UserID string `yaml:"user_id"`

	// CryptoKeyTTL is how long an unlocked passphrase stays in memory.
	CryptoKeyTTL time.Duration `yaml:"crypto_key_ttl" validate:"gt=0"`

	RepairOnDecryptFailure bool `yaml:"repair_on_decrypt_failure"`

	AWS        AWSSettings        `yaml:"aws"`
	SSH        SSHSettings        `yaml:"ssh"`
	KeyManager KeyManagerSettings `yaml:"key_manager"`
	KeyVault   KeyVaultSettings   `yaml:"key_vault"`
	API        APISettings        `yaml:"api"`
	Policy     PolicySettings     `yaml:"policy"`
	Telemetry  telemetry.Config   `yaml:"telemetry"`
}

// AWSSettings configure the provisioned server.
type AWSSettings struct {
	Region        string        `yaml:"region" validate:"required"`
	AMI           string        `yaml:"ami" validate:"omitempty,startswith=ami-"`
	InstanceType  string        `yaml:"instance_type" validate:"required"`
	ServerTag     string        `yaml:"server_tag" validate:"required"`
	IngressCIDR   string        `yaml:"ingress_cidr" validate:"required,cidr"`
	WaiterTimeout time.Duration `yaml:"waiter_timeout" validate:"gt=0"`

	AllowedRegions       []string `yaml:"allowed_regions"`
	AllowedInstanceTypes []string `yaml:"allowed_instance_types"`
}

// SSHSettings configure connections to the server.
type SSHSettings struct {
	User           string        `yaml:"user" validate:"required"`
	Port           int           `yaml:"port" validate:"min=1,max=65535"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`
}

// KeyManagerSettings locate the key-manager CLI.
type KeyManagerSettings struct {
	Binary string `yaml:"binary" validate:"required"`
}

// KeyVaultSettings describe the key-vault deployment.
type KeyVaultSettings struct {
	Image    string   `yaml:"image" validate:"required"`
	Version  string   `yaml:"version" validate:"required"`
	Port     int      `yaml:"port" validate:"min=1,max=65535"`
	Networks []string `yaml:"networks" validate:"min=1,dive,required"`
}

// APISettings configure the backend client.
type APISettings struct {
	BaseURL    string        `yaml:"base_url" validate:"required,url"`
	Retries    int           `yaml:"retries" validate:"min=0,max=10"`
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

// PolicySettings configure the preflight gate.
type PolicySettings struct {
	Enabled bool `yaml:"enabled"`

	// Dir holds custom .rego and .json policies. Relative paths are
	// resolved against DataDir.
	Dir string `yaml:"dir"`

	// Watch reloads Dir while a process runs.
	Watch bool `yaml:"watch"`
}

// Default returns the settings of a standard installation rooted at dataDir.
func Default(dataDir string) *Settings {
	awsDefaults := aws.DefaultSettings()
	sshDefaults := ssh.DefaultConfig("", nil)
	vaultDefaults := keyvault.DefaultSettings()
	apiDefaults := api.DefaultConfig()

	return &Settings{
		DataDir:      dataDir,
		Database:     "stakehost.db",
		Env:          "production",
		CryptoKeyTTL: 20 * time.Minute,
		AWS: AWSSettings{
			Region:        awsDefaults.Region,
			InstanceType:  awsDefaults.InstanceType,
			ServerTag:     awsDefaults.ServerTag,
			IngressCIDR:   awsDefaults.IngressCIDR,
			WaiterTimeout: awsDefaults.WaiterTimeout,
		},
		SSH: SSHSettings{
			User:           sshDefaults.User,
			Port:           sshDefaults.Port,
			ConnectTimeout: sshDefaults.ConnectionTimeout,
			CommandTimeout: sshDefaults.CommandTimeout,
		},
		KeyManager: KeyManagerSettings{Binary: "key-vault-cli"},
		KeyVault: KeyVaultSettings{
			Image:    vaultDefaults.Image,
			Version:  vaultDefaults.Version,
			Port:     vaultDefaults.Port,
			Networks: vaultDefaults.Networks,
		},
		API: APISettings{
			BaseURL:    apiDefaults.BaseURL,
			Retries:    apiDefaults.Retries,
			RetryDelay: apiDefaults.RetryDelay,
			Timeout:    apiDefaults.Timeout,
		},
		Policy: PolicySettings{
			Enabled: true,
			Dir:     "policies",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// DatabasePath returns the absolute database location.
func (s *Settings) DatabasePath() string {
	return s.resolve(s.Database)
}

// PolicyDir returns the absolute custom policy directory.
func (s *Settings) PolicyDir() string {
	return s.resolve(s.Policy.Dir)
}

func (s *Settings) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.DataDir, path)
}

// AWSProvider returns the provider settings.
func (s *Settings) AWSProvider() aws.Settings {
	out := aws.DefaultSettings()
	out.Region = s.AWS.Region
	out.AMI = s.AWS.AMI
	out.InstanceType = s.AWS.InstanceType
	out.ServerTag = s.AWS.ServerTag
	out.IngressCIDR = s.AWS.IngressCIDR
	out.WaiterTimeout = s.AWS.WaiterTimeout
	out.IngressPorts = []int32{int32(s.KeyVault.Port), int32(s.SSH.Port)}
	return out
}

// SSHConfig returns the connection template for the server. Host and key
// are filled in per connection.
func (s *Settings) SSHConfig() ssh.Config {
	cfg := ssh.DefaultConfig("", nil)
	cfg.User = s.SSH.User
	cfg.Port = s.SSH.Port
	cfg.ConnectionTimeout = s.SSH.ConnectTimeout
	cfg.CommandTimeout = s.SSH.CommandTimeout
	return *cfg
}

// KeyVaultDeployment returns the key-vault settings.
func (s *Settings) KeyVaultDeployment() keyvault.Settings {
	out := keyvault.DefaultSettings()
	out.Image = s.KeyVault.Image
	out.Version = s.KeyVault.Version
	out.Port = s.KeyVault.Port
	out.Networks = append([]string(nil), s.KeyVault.Networks...)
	out.WorkDir = "/home/" + s.SSH.User + "/key-vault"
	return out
}

// APIClient returns the backend client configuration.
func (s *Settings) APIClient() api.Config {
	return api.Config{
		BaseURL:    s.API.BaseURL,
		Retries:    s.API.Retries,
		RetryDelay: s.API.RetryDelay,
		Timeout:    s.API.Timeout,
	}
}

// PolicyTarget returns what the preflight policies check.
func (s *Settings) PolicyTarget() (policy.Target, policy.Limits) {
	provider := s.AWSProvider()
	return policy.Target{
			Region:       provider.Region,
			InstanceType: provider.InstanceType,
			IngressPorts: provider.IngressPorts,
			IngressCIDR:  provider.IngressCIDR,
		}, policy.Limits{
			AllowedRegions:       s.AWS.AllowedRegions,
			AllowedInstanceTypes: s.AWS.AllowedInstanceTypes,
		}
}

// ValidationError represents a configuration error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the setting the error refers to (e.g., "aws.region").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.String()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}
