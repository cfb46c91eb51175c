package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// PortCfg describes one physical port. Each port is emulated by a UDP socket talking to exactly one peer.
type PortCfg struct {
	Bind string `yaml:"bind" toml:"bind"` // local address the port listens on
	Peer string `yaml:"peer" toml:"peer"` // address of the node on the other end of the cable
}

// DeviceCfg is reported to other nodes in device info replies
type DeviceCfg struct {
	VendorId     uint16 `yaml:"vendor_id" toml:"vendor_id"`
	ProductId    uint16 `yaml:"product_id" toml:"product_id"`
	Serial       string `yaml:"serial" toml:"serial"`
	GitSha       uint32 `yaml:"git_sha" toml:"git_sha"`
	VersionMajor uint8  `yaml:"version_major" toml:"version_major"`
	VersionMinor uint8  `yaml:"version_minor" toml:"version_minor"`
	VersionRev   uint8  `yaml:"version_rev" toml:"version_rev"`
	HwVersion    uint8  `yaml:"hw_version" toml:"hw_version"`
	VersionStr   string `yaml:"version_str,omitempty" toml:"version_str,omitempty"` // e.g. APP@1.2.3
	Name         string `yaml:"name,omitempty" toml:"name,omitempty"`
}

type DfuCfg struct {
	PartitionSize int64 `yaml:"partition_size,omitempty" toml:"partition_size,omitempty"` // bytes reserved for a received image
	Confirm       bool  `yaml:"confirm" toml:"confirm"`                                   // keep a new image on trial until the host acknowledges it
}

// LocalCfg represents local node-level configuration
type LocalCfg struct {
	Id              NodeId        `yaml:"id" toml:"id"`
	Ports           []PortCfg     `yaml:"ports" toml:"ports"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period,omitempty" toml:"heartbeat_period,omitempty"`
	DataDir         string        `yaml:"data_dir,omitempty" toml:"data_dir,omitempty"`         // kv partitions, dfu partition and reboot marker live here
	CtlSocket       string        `yaml:"ctl_socket,omitempty" toml:"ctl_socket,omitempty"`     // unix socket used by the cli
	LogPath         string        `yaml:"log_path,omitempty" toml:"log_path,omitempty"`         // if not empty, bm will write to this file
	MetricsAddr     string        `yaml:"metrics_addr,omitempty" toml:"metrics_addr,omitempty"` // prometheus listener
	Device          DeviceCfg     `yaml:"device" toml:"device"`
	Dfu             DfuCfg        `yaml:"dfu" toml:"dfu"`
}

var (
	DefaultConfigPath = "/etc/bm/node.yaml"
	DefaultDataDir    = "/var/lib/bm"
	DefaultCtlSocket  = "/var/run/bm.sock"
)

// DfuPartitionPath is the file standing in for the secondary image slot
func (c *LocalCfg) DfuPartitionPath() string {
	return filepath.Join(c.DataDir, "dfu.img")
}

func (c *LocalCfg) RebootMarkerPath() string {
	return filepath.Join(c.DataDir, "reboot.bin")
}

// ActiveImagePath records the confirmed firmware, standing in for the image the node boots
func (c *LocalCfg) ActiveImagePath() string {
	return filepath.Join(c.DataDir, "active.yaml")
}

// PendingImagePath records an activated image that has not been confirmed yet
func (c *LocalCfg) PendingImagePath() string {
	return filepath.Join(c.DataDir, "pending.yaml")
}

func (c *LocalCfg) KvPath(partition string) string {
	return filepath.Join(c.DataDir, partition+".cbor")
}

// ReadConfig reads a node config, choosing the decoder from the file extension.
func ReadConfig(path string) (*LocalCfg, error) {
	var cfg LocalCfg
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(path, ".toml") {
		_, err = toml.Decode(string(file), &cfg)
	} else {
		err = yaml.Unmarshal(file, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

func WriteConfig(path string, cfg *LocalCfg) error {
	var out []byte
	var err error
	if strings.HasSuffix(path, ".toml") {
		sb := strings.Builder{}
		err = toml.NewEncoder(&sb).Encode(cfg)
		out = []byte(sb.String())
	} else {
		out, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}

// ExpandConfig fills in defaults for fields left empty
func ExpandConfig(cfg *LocalCfg) {
	if cfg.HeartbeatPeriod == 0 {
		cfg.HeartbeatPeriod = HeartbeatPeriod
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.CtlSocket == "" {
		cfg.CtlSocket = DefaultCtlSocket
	}
	if cfg.Dfu.PartitionSize == 0 {
		cfg.Dfu.PartitionSize = 1 << 20
	}
	if cfg.Device.VersionStr == "" {
		cfg.Device.VersionStr = fmt.Sprintf("APP@%d.%d.%d", cfg.Device.VersionMajor, cfg.Device.VersionMinor, cfg.Device.VersionRev)
	}
}
