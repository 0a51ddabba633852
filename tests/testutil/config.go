// Package testutil provides shared helpers for securestore tests.
//
// It contains a configuration builder that produces definitions backed by
// the in-memory credential backend and a temporary store root, and a
// logger that captures output for assertions.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/systmms/securestore/internal/config"
	"github.com/systmms/securestore/pkg/account"
)

// TestConfigBuilder builds securestore definitions for tests.
//
// Example usage:
//
//	def := testutil.NewTestConfig(t).
//	    WithUser("005u", "00Do").
//	    WithCache(false).
//	    Build()
type TestConfigBuilder struct {
	def *config.Definition
	dir string
	t   *testing.T
}

// NewTestConfig starts from a memory-backed definition whose store root is
// a fresh temporary directory.
func NewTestConfig(t *testing.T) *TestConfigBuilder {
	t.Helper()

	dir := t.TempDir()
	return &TestConfigBuilder{
		def: &config.Definition{
			Root:      filepath.Join(dir, "root"),
			Backend:   config.BackendMemory,
			Namespace: "securestore-test",
		},
		dir: dir,
		t:   t,
	}
}

// WithUser sets the current user.
func (b *TestConfigBuilder) WithUser(userID, orgID string) *TestConfigBuilder {
	b.def.User = &account.User{UserID: userID, OrgID: orgID}
	return b
}

// WithCommunity sets the community of the current user. WithUser must be
// called first.
func (b *TestConfigBuilder) WithCommunity(community string) *TestConfigBuilder {
	b.t.Helper()
	if b.def.User == nil {
		b.t.Fatal("WithCommunity called before WithUser")
	}
	b.def.User.CommunityID = community
	return b
}

// WithBackend selects the credential backend.
func (b *TestConfigBuilder) WithBackend(backend string) *TestConfigBuilder {
	b.def.Backend = backend
	return b
}

// WithTag sets the creator tag attached to credential records.
func (b *TestConfigBuilder) WithTag(tag string) *TestConfigBuilder {
	b.def.Tag = tag
	return b
}

// WithCache turns the credential cache on or off.
func (b *TestConfigBuilder) WithCache(enabled bool) *TestConfigBuilder {
	b.def.Credentials.Cache = &enabled
	return b
}

// WithAccessGroup sets the default access group.
func (b *TestConfigBuilder) WithAccessGroup(group string) *TestConfigBuilder {
	b.def.Credentials.AccessGroup = group
	return b
}

// WithAccessibility sets the default accessibility policy.
func (b *TestConfigBuilder) WithAccessibility(policy string) *TestConfigBuilder {
	b.def.Credentials.Accessibility = policy
	return b
}

// WithManagedServices lists services upgraded on first use.
func (b *TestConfigBuilder) WithManagedServices(services ...string) *TestConfigBuilder {
	b.def.Credentials.ManagedServices = services
	return b
}

// Build returns a copy of the definition.
func (b *TestConfigBuilder) Build() *config.Definition {
	def := *b.def
	if b.def.User != nil {
		u := *b.def.User
		def.User = &u
	}
	return &def
}

// Write marshals the definition to securestore.yaml in the builder's
// temporary directory and returns its path.
func (b *TestConfigBuilder) Write() string {
	b.t.Helper()

	data, err := yaml.Marshal(b.def)
	if err != nil {
		b.t.Fatalf("Failed to marshal config: %v", err)
	}
	path := filepath.Join(b.dir, config.DefaultPath)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		b.t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// WriteTestConfig writes raw YAML to a temporary file and returns its
// path. Useful for malformed configurations the builder cannot express.
func WriteTestConfig(t *testing.T, yamlContent string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), config.DefaultPath)
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}
