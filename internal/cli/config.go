package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"go2tv.app/framegrab/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the configuration framegrab would run with, after merging the
config file, FRAMEGRAB_* environment variables and defaults.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Config.Get().Encode(cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file in use, or where one would be read from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if used := app.Config.ConfigFileUsed(); used != "" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), used)
				return err
			}
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (not present)\n", filepath.Join(dir, "framegrab.toml"))
			return err
		},
	})
	return cmd
}
