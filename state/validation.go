package state

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	MaxSerialLen  = 16
	MaxVersionLen = 255
	MaxNameLen    = 255
)

func BindValidator(s string) error {
	_, err := netip.ParseAddrPort(s)
	return err
}

func NodeConfigValidator(node *LocalCfg) error {
	if node.Id == 0 {
		return fmt.Errorf("node.Id must be non-zero")
	}
	if len(node.Ports) > MaxPorts {
		return fmt.Errorf("node has %d ports, at most %d are supported", len(node.Ports), MaxPorts)
	}
	for i, port := range node.Ports {
		if err := BindValidator(port.Bind); err != nil {
			return fmt.Errorf("port %d bind: %w", i+1, err)
		}
		if err := BindValidator(port.Peer); err != nil {
			return fmt.Errorf("port %d peer: %w", i+1, err)
		}
	}
	if node.HeartbeatPeriod < 0 {
		return fmt.Errorf("node.HeartbeatPeriod must not be negative")
	}
	// leases go on the wire in whole seconds
	if node.HeartbeatPeriod%time.Second != 0 {
		return fmt.Errorf("node.HeartbeatPeriod %s is not a whole number of seconds", node.HeartbeatPeriod)
	}
	if len(node.Device.Serial) > MaxSerialLen {
		return fmt.Errorf("len(serial) = %d > %d is too long", len(node.Device.Serial), MaxSerialLen)
	}
	if len(node.Device.VersionStr) > MaxVersionLen {
		return fmt.Errorf("len(version_str) = %d > %d is too long", len(node.Device.VersionStr), MaxVersionLen)
	}
	if len(node.Device.Name) > MaxNameLen {
		return fmt.Errorf("len(name) = %d > %d is too long", len(node.Device.Name), MaxNameLen)
	}
	if node.Dfu.PartitionSize < 0 {
		return fmt.Errorf("dfu.partition_size must not be negative")
	}
	return nil
}
