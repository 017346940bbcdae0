package command

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/tingly-relay/internal/config"
)

// BuildInfo is set by the linker in main.
type BuildInfo struct {
	Version   string
	GitCommit string
	BuildTime string
	GoVersion string
	Platform  string
}

// RootFlags are the flags shared by every command.
type RootFlags struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand builds the tingly-relay command tree.
func NewRootCommand(info BuildInfo) *cobra.Command {
	var flags RootFlags

	rootCmd := &cobra.Command{
		Use:   "tingly-relay",
		Short: "Tingly Relay - OpenAI-compatible gateway that structures model output",
		Long: `Tingly Relay forwards chat completion requests to OpenAI-compatible backends
and turns inline thinking and tool-call markup in the responses into
reasoning_content and tool_calls fields, streaming or not.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flags.Verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigPath, "config", "c", "", fmt.Sprintf("config file (default: $%s, ./%s or ~/%s/%s)", config.EnvConfig, config.ConfigFileName, config.ConfigDirName, config.ConfigFileName))

	rootCmd.AddCommand(ServeCommand(&flags, info))
	rootCmd.AddCommand(ReplayCommand(&flags))
	rootCmd.AddCommand(VersionCommand(info))
	return rootCmd
}

// loadConfig loads the config named by the flags or found by discovery.
func loadConfig(flags *RootFlags) (*config.Config, error) {
	path := config.Discover(flags.ConfigPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// VersionCommand prints build information.
func VersionCommand(info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Tingly Relay\n")
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Git Commit: %s\n", info.GitCommit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go Version: %s\n", info.GoVersion)
			fmt.Fprintf(out, "Platform:   %s\n", info.Platform)
		},
	}
}
