package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"lodestone/internal/infra/logger"
	"lodestone/internal/plugin/wasm"
)

func newCacheCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage compiled plugin modules",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every compiled module artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			dir := cfg.PluginCacheDir()

			// Clearing needs no runtime; artifacts are only deleted.
			cache := wasm.NewModuleCache(dir, nil, logger.Discard())
			if err := cache.Clear(); err != nil {
				return fmt.Errorf("clear module cache: %w", err)
			}
			if err := os.RemoveAll(filepath.Join(dir, "native")); err != nil {
				return fmt.Errorf("clear native cache: %w", err)
			}
			newSink(cmd.OutOrStdout(), flags).Success("cleared %s", dir)
			return nil
		},
	})
	return cmd
}
