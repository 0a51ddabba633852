package commands

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/systmms/securestore/internal/config"
	"github.com/systmms/securestore/internal/logging"
	"github.com/systmms/securestore/tests/testutil"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	def := testutil.NewTestConfig(t).WithUser("005u", "00Do").Build()
	return &Runtime{Config: &config.Config{Definition: def, Logger: logging.Nop()}}
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return out.String(), err
}
