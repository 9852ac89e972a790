package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"lodestone/internal/domain"
	"lodestone/internal/plugin"
)

func newPluginsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect installed plugins",
	}
	cmd.AddCommand(newPluginsListCmd(flags))
	cmd.AddCommand(newPluginsValidateCmd(flags))
	return cmd
}

func newPluginsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered plugins and the ones that were skipped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := openHost(cmd, flags)
			if err != nil {
				return err
			}
			defer h.close(cmd.Context())

			plugins := h.manager.Registry().List()
			if len(plugins) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No plugins registered.")
			}
			for _, p := range plugins {
				h.sink.Bullet(p.ID, describePlugin(p))
			}

			skipped := h.manager.Skipped()
			ids := make([]string, 0, len(skipped))
			for id := range skipped {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				h.sink.Bullet(id, "skipped: "+skipped[id].Error())
			}
			return nil
		},
	}
}

func describePlugin(p domain.Plugin) string {
	parts := []string{string(p.Kind)}
	if p.Manifest.Version != "" {
		parts = append(parts, "v"+p.Manifest.Version)
	}
	if len(p.Manifest.Hooks) > 0 {
		names := make([]string, 0, len(p.Manifest.Hooks))
		for name, v := range p.Manifest.Hooks {
			names = append(names, fmt.Sprintf("%s@%d", name, v))
		}
		sort.Strings(names)
		parts = append(parts, strings.Join(names, ","))
	}
	return strings.Join(parts, "  ")
}

func newPluginsValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Check a plugin directory's manifest",
		Long: `Reads plugin.yaml in the given directory, validates it and checks that it
accepts this host's version. Exits non-zero when the plugin would be skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := plugin.LoadManifest(args[0])
			if err != nil {
				return err
			}
			if err := plugin.CheckCompatibility(m, version); err != nil {
				return err
			}
			p, err := plugin.Resolve(plugin.Discovered{Dir: args[0], Manifest: m}, nil)
			if err != nil {
				return err
			}
			newSink(cmd.OutOrStdout(), flags).Success("%s is valid (%s)", p.ID, describePlugin(p))
			return nil
		},
	}
}
