package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// NodeId is the 64-bit identifier every Bristlemouth node derives its link-local address from.
type NodeId uint64

func (n NodeId) String() string {
	return fmt.Sprintf("%016x", uint64(n))
}

func ParseNodeId(s string) (NodeId, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	return NodeId(v), nil
}

type BmModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules   map[string]BmModule
	Neighbors *NeighborTable
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	LocalCfg
	Context   context.Context
	Cancel    context.CancelCauseFunc
	Log       *slog.Logger
	Clock     clockwork.Clock
	Transport Transport
	BootTime  time.Time
	Started   atomic.Bool
	Stopping  atomic.Bool
	// Restarting is set when the node should come back up after the main loop exits
	Restarting atomic.Bool
	AuxConfig  map[string]any
}

// ErrRestart is the cancel cause of a requested restart
var ErrRestart = errors.New("restart requested")

// Restart stops the main loop and asks Bootstrap to start the node again, the way a device reboots
func (e *Env) Restart(reason string) {
	e.Log.Info("restarting", "reason", reason)
	e.Restarting.Store(true)
	e.Cancel(ErrRestart)
}

// TimeSinceBoot is reported in heartbeats so that peers can detect reboots.
func (e *Env) TimeSinceBoot() time.Duration {
	return e.Clock.Since(e.BootTime)
}
