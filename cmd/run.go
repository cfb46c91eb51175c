package cmd

import (
	"fmt"
	"os"

	"github.com/encodeous/bristlemouth/core"
	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node",
	Long:  `Runs a Bristlemouth node until it receives SIGINT. The node restarts itself in place after a firmware update or a remote config commit.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath := cmd.Flag("config").Value.String()
		logPath := cmd.Flag("log").Value.String()
		verbose, _ := cmd.Flags().GetBool("verbose")
		err := core.Bootstrap(cfgPath, logPath, verbose)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err.Error())
			os.Exit(1)
		}
	},
	GroupID: "bm",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", state.DefaultConfigPath, "node config (yaml or toml)")
	runCmd.Flags().StringP("log", "l", "", "also write logs to this file")
	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
