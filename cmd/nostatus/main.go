package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sandwichfarm/nostatus/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nostatus",
	Short: "Follow and post NIP-38 user statuses",
	Long: `nostatus keeps a live feed of the general and music statuses of the
accounts you follow, and posts your own.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./nostatus.yaml", "path to configuration file")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(postCmd())
	rootCmd.AddCommand(clearCmd())
	rootCmd.AddCommand(logoutCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "nostatus %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built: %s\n", date)
			fmt.Fprintf(out, "  by: %s\n", builtBy)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.GetExampleConfig()
			if err != nil {
				return fmt.Errorf("failed to read example config: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "# nostatus configuration file")
			fmt.Fprintln(out, "# Save this to nostatus.yaml and customize it")
			fmt.Fprintln(out, "# The private key is only read from NOSTATUS_NSEC")
			fmt.Fprintln(out)
			_, err = out.Write(data)
			return err
		},
	}
}
