package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	sserrors "github.com/systmms/securestore/internal/errors"
	"github.com/systmms/securestore/internal/kvstore"
)

// NewKVCommand creates the kv command and its subcommands.
func NewKVCommand(rt *Runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kv",
		Short: "Work with encrypted key-value stores",
		Long: `Read and modify named key-value stores.

Stores belong to the user configured in securestore.yaml unless --global
is given, in which case the device-wide stores are used.`,
	}

	cmd.AddCommand(
		newKVSetCommand(rt),
		newKVGetCommand(rt),
		newKVRemoveCommand(rt),
		newKVKeysCommand(rt),
		newKVCountCommand(rt),
		newKVClearCommand(rt),
		newKVDropCommand(rt),
		newKVStoresCommand(rt),
	)
	return cmd
}

func newKVSetCommand(rt *Runtime) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "set <store> <key> [value]",
		Short: "Save a value",
		Long: `Save a value under key, creating the store if needed.

Examples:
  securestore kv set prefs theme dark
  echo -n "$TOKEN" | securestore kv set --stdin session token`,
		Args: cobra.RangeArgs(2, 3),
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

			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			if err := s.Save(args[1], value); err != nil {
				return sserrors.SimplifyError(err)
			}
			rt.Config.Logger.Debug("saved %d bytes to %s", len(value), s.Name())
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Read the value from stdin")
	return cmd
}

func newKVGetCommand(rt *Runtime) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <store> <key-or-pattern>",
		Short: "Read values by exact key or '*' pattern",
		Long: `Read one value by exact key, or every value whose key matches a
pattern where '*' matches any run of characters.

An exact key prints the raw value. A pattern prints one key=value line per
match. Patterns need key enumeration, which version 1 stores lack.

Examples:
  securestore kv get prefs theme
  securestore kv get prefs 'user.*' --json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			pattern := args[1]
			wildcard := strings.Contains(pattern, "*")
			if wildcard && s.Version() < 2 {
				return sserrors.UserError{
					Message:    fmt.Sprintf("Store %s is version %d and cannot match patterns", s.Name(), s.Version()),
					Suggestion: "Look the key up exactly",
				}
			}

			matches := kvstore.Lookup(s, pattern)
			out := cmd.OutOrStdout()

			if jsonOutput {
				values := make(map[string]string, len(matches))
				for k, v := range matches {
					values[k] = string(v)
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(values)
			}

			if !wildcard {
				v, ok := matches[pattern]
				if !ok {
					return sserrors.UserError{
						Message:    fmt.Sprintf("Key not found in %s", s.Name()),
						Suggestion: fmt.Sprintf("Run 'securestore kv keys %s' to list keys", s.Name()),
					}
				}
				_, err := out.Write(v)
				return err
			}

			keys := make([]string, 0, len(matches))
			for k := range matches {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "%s=%s\n", k, matches[k])
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output matches as a JSON object")
	return cmd
}

func newKVRemoveCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <store> <key>...",
		Aliases: []string{"remove"},
		Short:   "Remove keys",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			for _, key := range args[1:] {
				if err := s.Remove(key); err != nil {
					return sserrors.SimplifyError(err)
				}
			}
			return nil
		},
	}
}

func newKVKeysCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "keys <store>",
		Short: "List the keys of a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			keys, ok := s.AllKeys()
			if !ok {
				return sserrors.UserError{
					Message:    fmt.Sprintf("Store %s is version %d and does not record keys", s.Name(), s.Version()),
					Suggestion: fmt.Sprintf("Use 'securestore kv count %s' instead", s.Name()),
				}
			}
			for _, k := range keys {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func newKVCountCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "count <store>",
		Short: "Print the number of entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s.Count())
			return nil
		},
	}
}

func newKVClearCommand(rt *Runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <store>",
		Short: "Remove every entry and keep the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rt.store(args[0])
			if err != nil {
				return err
			}
			if err := s.RemoveAll(); err != nil {
				return sserrors.SimplifyError(err)
			}
			rt.Config.Logger.Info("Cleared %s", s.Name())
			return nil
		},
	}
}

func newKVDropCommand(rt *Runtime) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "drop [store]",
		Short: "Delete a store, or every store in scope with --all",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}

			switch {
			case all && rt.Config.Global:
				err = w.Stores.RemoveAllGlobal()
			case all:
				err = w.Stores.RemoveAllForCurrentUser()
			case rt.Config.Global:
				err = w.Stores.RemoveSharedGlobal(args[0])
			default:
				err = w.Stores.RemoveShared(args[0])
			}
			if err != nil {
				name := "all stores"
				if len(args) > 0 {
					name = args[0]
				}
				return storeError(name, err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Delete every store in scope")
	return cmd
}

type storeInfo struct {
	Scope   string `json:"scope"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
}

func newKVStoresCommand(rt *Runtime) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stores",
		Short: "List global and user stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := rt.Wire()
			if err != nil {
				return err
			}

			var infos []storeInfo
			globals, err := w.Stores.AllGlobalNames()
			if err != nil {
				return sserrors.SimplifyError(err)
			}
			for _, name := range globals {
				s, err := w.Stores.SharedGlobal(name)
				if err != nil {
					rt.Config.Logger.Warn("skipping global store %s: %v", name, err)
					continue
				}
				infos = append(infos, describe("global", s))
			}

			if u, ok := w.Users.CurrentUser(); ok {
				names, err := w.Stores.AllNamesForUser(u)
				if err != nil {
					return sserrors.SimplifyError(err)
				}
				for _, name := range names {
					s, err := w.Stores.SharedForUser(name, u)
					if err != nil {
						rt.Config.Logger.Warn("skipping store %s: %v", name, err)
						continue
					}
					infos = append(infos, describe(u.ScopeKey(), s))
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if infos == nil {
					infos = []storeInfo{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			if len(infos) == 0 {
				fmt.Fprintln(out, "No stores")
				return nil
			}
			fmt.Fprintf(out, "%-24s %-24s %-8s %-8s %s\n", "SCOPE", "NAME", "VERSION", "ENTRIES", "SIZE")
			for _, info := range infos {
				fmt.Fprintf(out, "%-24s %-24s %-8d %-8d %s\n",
					info.Scope, info.Name, info.Version, info.Entries, humanize.Bytes(uint64(info.Bytes)))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func describe(scope string, s *kvstore.Store) storeInfo {
	return storeInfo{
		Scope:   scope,
		Name:    s.Name(),
		Version: s.Version(),
		Entries: s.Count(),
		Bytes:   s.DiskUsage(),
	}
}
