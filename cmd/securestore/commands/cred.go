package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/systmms/securestore/internal/credential"
	sserrors "github.com/systmms/securestore/internal/errors"
)

type credFlags struct {
	noCache     bool
	accessGroup string
}

func (f *credFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noCache, "no-cache", false, "Bypass the credential cache")
	cmd.Flags().StringVar(&f.accessGroup, "access-group", "", "Override the configured access group")
}

func (f *credFlags) options() []credential.CallOption {
	var opts []credential.CallOption
	if f.noCache {
		opts = append(opts, credential.WithCacheMode(credential.CacheDisabled))
	}
	if f.accessGroup != "" {
		opts = append(opts, credential.WithAccessGroup(f.accessGroup))
	}
	return opts
}

// resultError converts a failed Result into a user-facing error.
func resultError(service, account string, r credential.Result) error {
	if r.NotFound() {
		return sserrors.UserError{
			Message:    fmt.Sprintf("No credential for %s/%s", service, account),
			Suggestion: "Check the service and account, or create it with 'securestore cred write'",
		}
	}
	return sserrors.UserError{
		Message:    fmt.Sprintf("Credential store refused %s/%s", service, account),
		Details:    fmt.Sprintf("%v", r.Err),
		Suggestion: "Make sure the system keyring is unlocked",
		Err:        r.Err,
	}
}

// NewCredCommand creates the cred command and its subcommands.
func NewCredCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cred",
		Short: "Work with credentials in the system keyring",
		Long: `Read and modify secrets held in the system credential store.

Only records created by securestore are affected by remove-all and
accessibility; records from other applications are left alone.`,
	}

	cmd.AddCommand(
		newCredReadCommand(rt),
		newCredWriteCommand(rt),
		newCredResetCommand(rt),
		newCredRemoveCommand(rt),
		newCredRemoveAllCommand(rt),
		newCredAccessibilityCommand(rt),
	)
	return cmd
}

func newCredReadCommand(rt *Runtime) *cobra.Command {
	var flags credFlags
	var create bool

	cmd := &cobra.Command{
		Use:   "read <service> <account>",
		Short: "Print a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}
			var r credential.Result
			if create {
				r = w.Credentials.CreateIfNotPresent(args[0], args[1], flags.options()...)
			} else {
				r = w.Credentials.Read(args[0], args[1], flags.options()...)
			}
			if !r.Success {
				return resultError(args[0], args[1], r)
			}
			_, err = cmd.OutOrStdout().Write(r.Data)
			return err
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&create, "create", false, "Create an empty credential when missing")
	return cmd
}

func newCredWriteCommand(rt *Runtime) *cobra.Command {
	var flags credFlags
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "write <service> <account> [value]",
		Short: "Store a credential",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			switch {
			case fromStdin:
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				value = b
			case len(args) == 3:
				value = []byte(args[2])
			default:
				return sserrors.UserError{
					Message:    "No value given",
					Suggestion: "Pass the value as the third argument or use --stdin",
				}
			}

			w, err := rt.Wire()
			if err != nil {
				return err
			}
			if r := w.Credentials.Write(args[0], args[1], value, flags.options()...); !r.Success {
				return resultError(args[0], args[1], r)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the value from stdin")
	return cmd
}

func newCredResetCommand(rt *Runtime) *cobra.Command {
	var flags credFlags

	cmd := &cobra.Command{
		Use:   "reset <service> <account>",
		Short: "Replace a credential with an empty value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}
			if r := w.Credentials.Reset(args[0], args[1], flags.options()...); !r.Success {
				return resultError(args[0], args[1], r)
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newCredRemoveCommand(rt *Runtime) *cobra.Command {
	var flags credFlags

	cmd := &cobra.Command{
		Use:   "remove <service> <account>",
		Short: "Delete a credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}
			r := w.Credentials.Remove(args[0], args[1], flags.options()...)
			if r.Err != nil {
				return resultError(args[0], args[1], r)
			}
			if r.NotFound() {
				rt.Config.Logger.Debug("%s/%s did not exist", args[0], args[1])
			}
			return nil
		},
	}

	flags.register(cmd)
	return cmd
}

func newCredRemoveAllCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-all",
		Short: "Delete every credential created by securestore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}
			if r := w.Credentials.RemoveAll(); !r.Success {
				return resultError("*", "*", r)
			}
			rt.Config.Logger.Info("Removed all securestore credentials")
			return nil
		},
	}
}

func newCredAccessibilityCommand(rt *Runtime) *cobra.Command {
	valid := []string{
		string(credential.AccessibleWhenUnlocked),
		string(credential.AccessibleWhenUnlockedThisDeviceOnly),
		string(credential.AccessibleAfterFirstUnlock),
		string(credential.AccessibleAfterFirstUnlockThisDeviceOnly),
		string(credential.AccessibleWhenPasscodeSetThisDeviceOnly),
	}

	return &cobra.Command{
		Use:       "accessibility <policy>",
		Short:     "Change the protection policy of every securestore credential",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: valid,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}
			if err := w.Credentials.SetAccessibility(credential.Accessibility(args[0])); err != nil {
				return sserrors.UserError{
					Message:    "Failed to update accessibility",
					Details:    err.Error(),
					Suggestion: "Make sure the system keyring is unlocked",
					Err:        err,
				}
			}
			rt.Config.Logger.Info("Accessibility set to %s", args[0])
			return nil
		},
	}
}
