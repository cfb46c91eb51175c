package cmd

import (
	"testing"

	"github.com/encodeous/bristlemouth/state"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIdFlag(t *testing.T) {
	var id nodeIdValue
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Var(&id, "id", "")
	require.NoError(t, fs.Parse([]string{"--id", "00000000000000aa"}))
	assert.Equal(t, state.NodeId(0xAA), state.NodeId(id))
	assert.Equal(t, "00000000000000aa", id.String())
	assert.Error(t, fs.Parse([]string{"--id", "xyz"}))
}
