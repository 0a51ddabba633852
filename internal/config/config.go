package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	sserrors "github.com/systmms/securestore/internal/errors"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/pkg/account"
)

//go:embed schema.json
var schema []byte

// Backend names accepted in the configuration.
const (
	BackendKeyring = "keyring"
	BackendMemory  = "memory"
)

// DefaultPath is the configuration file looked up when none is given.
const DefaultPath = "securestore.yaml"

// Config holds the runtime configuration
type Config struct {
	Path       string
	Logger     *logging.Logger
	Global     bool
	Metrics    bool
	Definition *Definition
}

// Definition represents the securestore.yaml structure
type Definition struct {
	Version     int           `yaml:"version"`
	Root        string        `yaml:"root,omitempty"`
	Backend     string        `yaml:"backend,omitempty"`
	Namespace   string        `yaml:"namespace,omitempty"`
	Tag         string        `yaml:"tag,omitempty"`
	KeyLabel    string        `yaml:"keyLabel,omitempty"`
	Credentials Credentials   `yaml:"credentials,omitempty"`
	User        *account.User `yaml:"user,omitempty"`
}

// Credentials configures the credential cache.
type Credentials struct {
	AccessGroup     string   `yaml:"accessGroup,omitempty"`
	Accessibility   string   `yaml:"accessibility,omitempty"`
	Cache           *bool    `yaml:"cache,omitempty"`
	ManagedServices []string `yaml:"managedServices,omitempty"`
}

// CacheEnabled returns the configured cache flag, defaulting to true.
func (c Credentials) CacheEnabled() bool {
	return c.Cache == nil || *c.Cache
}

// Default returns the definition used when no file exists.
func Default() *Definition {
	d := &Definition{}
	d.applyDefaults()
	return d
}

// DefaultRoot is the store root used when none is configured.
func DefaultRoot() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "securestore")
	}
	return ".securestore"
}

func (d *Definition) applyDefaults() {
	if d.Root == "" {
		d.Root = DefaultRoot()
	}
	d.Root = expandHome(d.Root)
	if d.Backend == "" {
		d.Backend = BackendKeyring
	}
	if d.Namespace == "" {
		d.Namespace = "securestore"
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Load reads and parses the configuration file. A missing file at the
// default path yields Default(); a missing explicit path is an error.
func (c *Config) Load() error {
	path := c.Path
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if c.Path == "" || c.Path == DefaultPath {
				c.Definition = Default()
				return nil
			}
			return sserrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Pass --config with an existing file or omit it to use defaults",
			}
		}
		return sserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	def, err := Parse(data)
	if err != nil {
		return err
	}
	c.Definition = def
	return nil
}

// Parse validates data against the configuration schema and decodes it.
func Parse(data []byte) (*Definition, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, sserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	if err := validate(raw); err != nil {
		return nil, err
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, sserrors.ConfigError{
			Message:    "configuration does not match the expected structure",
			Suggestion: err.Error(),
		}
	}
	def.applyDefaults()
	return &def, nil
}

func validate(doc map[string]interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schema), gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return sserrors.ConfigError{
		Message:    "schema validation failed:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "Compare your securestore.yaml with the documented fields",
	}
}
