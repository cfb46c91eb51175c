package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/encodeous/bristlemouth/core"
	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/cobra"
)

func send(line string) {
	result, err := core.IPCGet(ctlSocket, line)
	if err != nil {
		fmt.Println("Error:", err.Error())
		return
	}
	fmt.Print(result)
}

// passthrough builds a command whose arguments are handed to the node as they are
func passthrough(use, short string, args cobra.PositionalArgs, aliases ...string) *cobra.Command {
	name, _, _ := strings.Cut(use, " ")
	return &cobra.Command{
		Use:     use,
		Aliases: aliases,
		Short:   short,
		Args:    args,
		Run: func(cmd *cobra.Command, args []string) {
			send(strings.Join(append([]string{name}, args...), " "))
		},
		GroupID: "bm",
	}
}

var cfgCmd = &cobra.Command{
	Use:   "cfg <node> <user|system|hardware> get|set|commit|status|del ...",
	Short: "Reads or writes a node's configuration",
	Long: `Reads or writes the key/value configuration of any node on the network.

  bm cfg <node> <partition> get <key>
  bm cfg <node> <partition> set <key> <uint32|int32|float|string|bytes|array> <value>
  bm cfg <node> <partition> commit
  bm cfg <node> <partition> status
  bm cfg <node> <partition> del <key>

Separate negative values with --, e.g. bm cfg 1a user set offset int32 -- -5`,
	Args: cobra.MinimumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		send("cfg " + strings.Join(args, " "))
	},
	GroupID: "bm",
}

var dfuOpts struct {
	chunk   uint16
	major   uint8
	minor   uint8
	sha     string
	force   bool
	timeout string
}

var dfuCmd = &cobra.Command{
	Use:   "dfu <node> <image>",
	Short: "Pushes a firmware image from the local node to another node",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		node, err := state.ParseNodeId(args[0])
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		img, err := filepath.Abs(args[1])
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		line := fmt.Sprintf("dfu %s %s --chunk=%d --major=%d --minor=%d --sha=%s --timeout=%s",
			node, img, dfuOpts.chunk, dfuOpts.major, dfuOpts.minor, dfuOpts.sha, dfuOpts.timeout)
		if dfuOpts.force {
			line += " --force"
		}
		send(line)
	},
	GroupID: "bm",
}

var dfuStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Shows the state of the local DFU machine and the last update result",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		send("dfu status")
	},
}

func init() {
	rootCmd.AddCommand(
		passthrough("neighbors", "Lists the neighbors of the node", cobra.NoArgs, "n"),
		passthrough("info <node>", "Requests device info from a node", cobra.ExactArgs(1)),
		passthrough("ping <node> [count]", "Sends BCMP echo requests", cobra.RangeArgs(1, 2)),
		passthrough("reboot <node>", "Restarts a node", cobra.ExactArgs(1)),
		passthrough("topo [last]", "Discovers the network topology, or shows the last sampled one", cobra.MaximumNArgs(1), "t"),
		passthrough("resources [node]", "Shows the published and subscribed topics of a node", cobra.MaximumNArgs(1)),
		passthrough("time get|set <node> [utc us]", "Reads or sets the clock of a node, node 0 sets every direct neighbor", cobra.RangeArgs(2, 3)),
		passthrough("sub <topic>", "Subscribes the node to a topic and logs what arrives", cobra.ExactArgs(1)),
		passthrough("unsub <topic>", "Unsubscribes the node from a topic", cobra.ExactArgs(1)),
		passthrough("pub <topic> [data...]", "Publishes data on a topic", cobra.MinimumNArgs(1)),
		cfgCmd,
		dfuCmd,
	)
	dfuCmd.AddCommand(dfuStatusCmd)
	dfuCmd.Flags().Uint16Var(&dfuOpts.chunk, "chunk", 512, "chunk size in bytes")
	dfuCmd.Flags().Uint8Var(&dfuOpts.major, "major", 0, "major version of the image")
	dfuCmd.Flags().Uint8Var(&dfuOpts.minor, "minor", 0, "minor version of the image")
	dfuCmd.Flags().StringVar(&dfuOpts.sha, "sha", "0", "git sha of the image, in hex")
	dfuCmd.Flags().BoolVarP(&dfuOpts.force, "force", "f", false, "update even if the node runs the same sha")
	dfuCmd.Flags().StringVar(&dfuOpts.timeout, "timeout", state.DfuUpdateDefaultTimeout.String(), "abort the update after this long")
}
