package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the framegrab command tree.
func NewRootCommand(version string) *cobra.Command {
	var (
		configFile string
		logLevel   string
	)
	app := &App{Version: version}

	root := &cobra.Command{
		Use:   "framegrab",
		Short: "Acquire 8-bit gray frames from a frame grabber",
		Long: `framegrab opens a frame grabber, streams its ring of buffers as gray
frames and hands them to a recorder, an HTTP preview, or both.

Frames that arrive while the previous one is still being handed off are
dropped, so a slow consumer never stalls the device.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", "completion", "version":
				return nil
			}
			return app.init(configFile, logLevel, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default $XDG_CONFIG_HOME/framegrab/framegrab.toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	root.AddCommand(
		newStreamCmd(app),
		newConfigCmd(app),
		newVersionCmd(app),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
