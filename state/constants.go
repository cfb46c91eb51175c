package state

import "time"

const (
	// MaxPorts bounds the number of physical ports a node may expose.
	MaxPorts = 15
	// DispatchQueueLen is the capacity of the main loop's dispatch channel.
	DispatchQueueLen = 128
)

var (
	HeartbeatPeriod = time.Second * 10
	// a neighbor is considered offline after this many missed heartbeat periods
	LivenessMultiplier = 2

	// correlated requests (info, resources, ping, config, time) are forgotten after this long
	RequestTimeout   = time.Second * 5
	CorrelatorGcRate = time.Millisecond * 500

	TopologyNodeTimeout    = time.Second * 1
	TopologySampleInterval = time.Minute * 1
	// TopologySampleDebounce delays a resample after a neighbor event so bursts collapse into one run.
	TopologySampleDebounce = time.Second * 2

	PingDefaultPayloadLen = 32

	// DFU timing
	DfuHostAckTimeout       = time.Second * 10
	DfuHostHeartbeatTimeout = time.Second * 1
	DfuClientChunkTimeout   = time.Second * 1
	DfuClientRebootTimeout  = time.Second * 1
	DfuUpdateDefaultTimeout = time.Minute * 5
	DfuClientConfirmTimeout = time.Second * 5

	// emulated links exchange keepalives and go down after missing a few
	LinkKeepalive = time.Millisecond * 500
	LinkDeadAfter = LinkKeepalive * 3

	// slow dispatches are logged
	SlowDispatchThreshold = time.Millisecond * 4
)
