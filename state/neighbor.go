package state

import (
	"fmt"
	"slices"
	"time"
)

// DeviceInfo is the identity a node reports in a device info reply
type DeviceInfo struct {
	VendorId     uint16
	ProductId    uint16
	Serial       string
	GitSha       uint32
	VersionMajor uint8
	VersionMinor uint8
	VersionRev   uint8
	HwVersion    uint8
}

func (d DeviceInfo) FwVersion() string {
	return fmt.Sprintf("%d.%d.%d", d.VersionMajor, d.VersionMinor, d.VersionRev)
}

// Neighbor is a node directly reachable on one of our ports
type Neighbor struct {
	Id                NodeId
	Port              uint8
	LastHeartbeat     time.Time
	LastTimeSinceBoot time.Duration
	HeartbeatPeriod   time.Duration
	Online            bool
	HasInfo           bool
	Info              DeviceInfo
	VersionStr        string
	DeviceName        string
}

// Expired reports whether no heartbeat arrived within LivenessMultiplier heartbeat periods
func (n *Neighbor) Expired(now time.Time) bool {
	return now.Sub(n.LastHeartbeat) > time.Duration(LivenessMultiplier)*n.HeartbeatPeriod
}

// Heartbeat refreshes the liveness fields. rebooted is true when the peer's uptime went backwards.
func (n *Neighbor) Heartbeat(now time.Time, timeSinceBoot, period time.Duration) (rebooted bool, cameOnline bool) {
	rebooted = timeSinceBoot < n.LastTimeSinceBoot
	cameOnline = !n.Online
	n.LastHeartbeat = now
	n.LastTimeSinceBoot = timeSinceBoot
	n.HeartbeatPeriod = period
	n.Online = true
	return
}

func (n *Neighbor) String() string {
	state := "offline"
	if n.Online {
		state = "online"
	}
	s := fmt.Sprintf("%s port %d %s hb %s", n.Id, n.Port, state, n.HeartbeatPeriod)
	if n.HasInfo {
		s += fmt.Sprintf(" v%s", n.Info.FwVersion())
	}
	if n.VersionStr != "" {
		s += " " + n.VersionStr
	}
	if n.DeviceName != "" {
		s += " " + n.DeviceName
	}
	return s
}

// NeighborTable is append-only in the hot path, lookups are linear. Must only be touched from the main loop.
type NeighborTable struct {
	neighbors []*Neighbor
}

func NewNeighborTable() *NeighborTable {
	return &NeighborTable{}
}

func (t *NeighborTable) Find(node NodeId) *Neighbor {
	nIdx := slices.IndexFunc(t.neighbors, func(n *Neighbor) bool {
		return n.Id == node
	})
	if nIdx == -1 {
		return nil
	}
	return t.neighbors[nIdx]
}

// Update returns the neighbor for node, appending a new entry if it was not known.
func (t *NeighborTable) Update(node NodeId, port uint8) (*Neighbor, bool) {
	if n := t.Find(node); n != nil {
		n.Port = port
		return n, false
	}
	n := &Neighbor{
		Id:   node,
		Port: port,
	}
	t.neighbors = append(t.neighbors, n)
	return n, true
}

func (t *NeighborTable) Remove(node NodeId) bool {
	before := len(t.neighbors)
	t.neighbors = slices.DeleteFunc(t.neighbors, func(n *Neighbor) bool {
		return n.Id == node
	})
	return len(t.neighbors) != before
}

// ForEach visits neighbors in insertion order
func (t *NeighborTable) ForEach(fn func(n *Neighbor)) {
	for _, n := range t.neighbors {
		fn(n)
	}
}

func (t *NeighborTable) Len() int {
	return len(t.neighbors)
}

// CheckLiveness marks expired neighbors offline and returns the ones that just went offline.
// Entries are never removed here.
func (t *NeighborTable) CheckLiveness(now time.Time) []*Neighbor {
	var lost []*Neighbor
	for _, n := range t.neighbors {
		if n.Online && n.Expired(now) {
			n.Online = false
			lost = append(lost, n)
		}
	}
	return lost
}

// OnPort returns the first online neighbor attached to port, if any
func (t *NeighborTable) OnPort(port uint8) *Neighbor {
	for _, n := range t.neighbors {
		if n.Port == port && n.Online {
			return n
		}
	}
	return nil
}

// All returns a snapshot of the table in insertion order
func (t *NeighborTable) All() []*Neighbor {
	return slices.Clone(t.neighbors)
}
