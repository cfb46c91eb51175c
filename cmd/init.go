package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/cobra"
)

var (
	newId    nodeIdValue
	newPorts []string
)

var newCmd = &cobra.Command{
	Use:   "new [output]",
	Short: "Create a node configuration",
	Long: `Creates a node configuration. Each --port is bind=peer, the local UDP address of the port and the address of the node on the other end of the cable.
The output format follows the file extension (.yaml or .toml).`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := state.LocalCfg{
			Id:        state.NodeId(newId),
			DataDir:   cmd.Flag("data-dir").Value.String(),
			CtlSocket: cmd.Flag("ctl-socket").Value.String(),
		}
		cfg.Device.Name = cmd.Flag("name").Value.String()
		for _, p := range newPorts {
			bind, peer, ok := strings.Cut(p, "=")
			if !ok {
				fmt.Printf("Invalid port %q, expected bind=peer\n", p)
				os.Exit(1)
			}
			cfg.Ports = append(cfg.Ports, state.PortCfg{Bind: bind, Peer: peer})
		}
		err := state.NodeConfigValidator(&cfg)
		if err != nil {
			fmt.Println("Invalid config:", err.Error())
			os.Exit(1)
		}
		err = state.WriteConfig(args[0], &cfg)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "init",
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().VarP(&newId, "id", "i", "node id in hex")
	newCmd.Flags().StringSliceVarP(&newPorts, "port", "p", nil, "port as bind=peer, may be repeated")
	newCmd.Flags().String("data-dir", "", "directory for kv partitions and firmware images")
	newCmd.Flags().String("ctl-socket", "", "control socket path")
	newCmd.Flags().String("name", "", "device name reported to peers")
	_ = newCmd.MarkFlagRequired("id")
}
