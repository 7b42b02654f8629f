package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the settings file looked up in the data directory.
const DefaultFileName = "stakehost.yaml"

// LoadOptions control where settings come from.
type LoadOptions struct {
	// Path is a .yaml/.yml file, a .cue file or a CUE package directory.
	// Empty means DataDir/stakehost.yaml when it exists, defaults otherwise.
	Path string

	// DataDir overrides the default data directory.
	DataDir string

	// Getenv reads overrides; nil uses os.Getenv.
	Getenv func(string) string
}

// DefaultDataDir returns the per-user data directory.
func DefaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".stakehost"
	}
	return filepath.Join(dir, "stakehost")
}

// Load builds the settings: defaults, then the settings file, then
// environment overrides. The result is validated against the settings
// schema and the struct constraints.
func Load(opts LoadOptions) (*Settings, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = getenv("STAKEHOST_DATA_DIR")
	}
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	settings := Default(dataDir)

	path := opts.Path
	if path == "" {
		candidate := filepath.Join(dataDir, DefaultFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := loadFile(path, settings); err != nil {
			return nil, err
		}
	}

	if errs := applyEnv(settings, getenv); len(errs) > 0 {
		return nil, errs
	}
	if err := Validate(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func loadFile(path string, settings *Settings) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat settings %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); {
	case info.IsDir() || ext == ".cue":
		data, err := NewCUEParser(nil).Parse([]string{path})
		if err != nil {
			return err
		}
		// JSON is valid YAML, so CUE output decodes with the YAML rules
		// for durations and defaults.
		if err := yaml.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to decode settings %s: %w", path, err)
		}
		return nil

	case ext == ".yaml" || ext == ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		return decodeYAML(path, data, settings)

	default:
		return fmt.Errorf("unsupported settings file %s", path)
	}
}

// decodeYAML checks data against the settings schema before decoding it
// over settings.
func decodeYAML(path string, data []byte, settings *Settings) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ValidationErrors{{File: path, Message: err.Error()}}
	}
	if raw == nil {
		return nil
	}

	if err := NewSchemaRegistry().ValidateAgainstSchema(context.Background(), SettingsSchema, raw); err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
			return verrs
		}
		return err
	}

	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to decode settings %s: %w", path, err)
	}
	return nil
}

// envOverride applies one environment variable.
type envOverride struct {
	name  string
	apply func(s *Settings, value string) error
}

var envOverrides = []envOverride{
	{"STAKEHOST_DATABASE", func(s *Settings, v string) error { s.Database = v; return nil }},
	{"STAKEHOST_ENV", func(s *Settings, v string) error { s.Env = v; return nil }},
	{"STAKEHOST_USER_ID", func(s *Settings, v string) error { s.UserID = v; return nil }},
	{"STAKEHOST_AWS_REGION", func(s *Settings, v string) error { s.AWS.Region = v; return nil }},
	{"STAKEHOST_AWS_INSTANCE_TYPE", func(s *Settings, v string) error { s.AWS.InstanceType = v; return nil }},
	{"STAKEHOST_API_URL", func(s *Settings, v string) error { s.API.BaseURL = v; return nil }},
	{"STAKEHOST_KEY_MANAGER", func(s *Settings, v string) error { s.KeyManager.Binary = v; return nil }},
	{"STAKEHOST_POLICY_DIR", func(s *Settings, v string) error { s.Policy.Dir = v; return nil }},
	{"LOG_LEVEL", func(s *Settings, v string) error { s.Telemetry.Logging.Level = v; return nil }},
	{"HTTP_RETRIES", func(s *Settings, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("must be an integer")
		}
		s.API.Retries = n
		return nil
	}},
	{"HTTP_RETRY_DELAY", func(s *Settings, v string) error {
		d, err := parseMillis(v)
		if err != nil {
			return err
		}
		s.API.RetryDelay = d
		return nil
	}},
}

// applyEnv applies every set override and reports the malformed ones.
func applyEnv(s *Settings, getenv func(string) string) ValidationErrors {
	var errs ValidationErrors
	for _, o := range envOverrides {
		v := getenv(o.name)
		if v == "" {
			continue
		}
		if err := o.apply(s, v); err != nil {
			errs = append(errs, ValidationError{Path: "$" + o.name, Message: err.Error()})
		}
	}
	return errs
}

// parseMillis accepts a bare number of milliseconds or a Go duration.
func parseMillis(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("must not be negative")
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("must be milliseconds or a duration")
	}
	return d, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the struct constraints of settings.
func Validate(settings *Settings) error {
	err := validate.Struct(settings)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed on the '%s' rule", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed on the '%s=%s' rule", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{Path: path, Message: msg})
	}
	return out
}

// Write stores settings as YAML at path.
func Write(path string, settings *Settings) error {
	if err := Validate(settings); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}
