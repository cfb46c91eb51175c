package cmd

import (
	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/pflag"
)

// nodeIdValue lets a flag take a node id in hex
type nodeIdValue state.NodeId

var _ pflag.Value = (*nodeIdValue)(nil)

func (n *nodeIdValue) String() string {
	return state.NodeId(*n).String()
}

func (n *nodeIdValue) Set(s string) error {
	id, err := state.ParseNodeId(s)
	if err != nil {
		return err
	}
	*n = nodeIdValue(id)
	return nil
}

func (n *nodeIdValue) Type() string {
	return "nodeId"
}
