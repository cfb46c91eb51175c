package cmd

import (
	"os"

	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/cobra"
)

var ctlSocket = state.DefaultCtlSocket

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bm",
	Short: "Bristlemouth node and CLI",
	Long: `bm runs a Bristlemouth node over emulated links and talks to a running node through its control socket.
Nodes discover their neighbors, share resources and push firmware to each other over BCMP.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Set up a node",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "bm",
		Title: "Node Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&ctlSocket, "socket", "s", ctlSocket, "control socket of the running node")
}
