package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"lodestone/internal/domain"
	"lodestone/internal/hooks"
	"lodestone/internal/plugin"
)

func newHooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Inspect the hooks plugins can implement",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every hook with its version and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, info := range hooks.Catalog() {
				line := fmt.Sprintf("%-28s v%d", info.Name, info.Version)
				if info.TakesOver {
					line += "  takes_over"
				}
				if info.Async {
					line += "  async"
				}
				if info.HasDefault {
					line += "  default"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	})
	return cmd
}

type hookCallFlags struct {
	pluginID string
	arg      string
}

func newHookCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Run hooks by hand",
	}

	callFlags := &hookCallFlags{}
	call := &cobra.Command{
		Use:   "call <name>",
		Short: "Call a hook on every plugin, or on one with --plugin",
		Long: `Calls the named hook with a JSON argument and prints each plugin's JSON
result. Plugin output is shown as it would be during a launch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHookCall(cmd, flags, callFlags, args[0])
		},
	}
	call.Flags().StringVar(&callFlags.pluginID, "plugin", "", "only call this plugin")
	call.Flags().StringVar(&callFlags.arg, "arg", "{}", "hook argument as JSON")
	cmd.AddCommand(call)
	return cmd
}

func runHookCall(cmd *cobra.Command, flags *globalFlags, callFlags *hookCallFlags, name string) error {
	info, ok := hooks.Lookup(name)
	if !ok {
		return domain.NewSubSystemError("hook", "hook call", domain.ErrNotFound, name)
	}
	if !json.Valid([]byte(callFlags.arg)) {
		return fmt.Errorf("%w: --arg is not valid JSON", domain.ErrMalformedArgument)
	}
	hook := hooks.Raw(info)
	arg := json.RawMessage(callFlags.arg)

	h, err := openHost(cmd, flags)
	if err != nil {
		return err
	}
	defer h.close(cmd.Context())

	ctx := cmd.Context()
	var handles []*plugin.Handle[json.RawMessage]
	if callFlags.pluginID != "" {
		handle, err := plugin.CallHookOnPlugin(ctx, h.manager.Dispatcher(), hook, callFlags.pluginID, arg)
		if err != nil {
			return err
		}
		handles = append(handles, handle)
	} else {
		handles, err = plugin.CallHook(ctx, h.manager.Dispatcher(), hook, arg)
		if err != nil {
			return err
		}
	}

	var failed []error
	for _, handle := range handles {
		result, err := handle.Result(ctx, h.sink)
		switch {
		case errors.Is(err, domain.ErrNotImplemented) && callFlags.pluginID == "":
			continue
		case err != nil:
			h.sink.Error(err)
			failed = append(failed, err)
			continue
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", handle.PluginID(), result)
	}

	// Each failure was already shown above.
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d plugin calls failed", len(failed), len(handles))
	}
	return nil
}
