package tracker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/michael4d45/dartsync/internal/types"
)

// Config holds the tracker's tunables. HeartbeatInterval and PieceLen are
// dictated to every peer in the TRACKER_SYNC packet, so changing them here
// changes them fleet-wide.
type Config struct {
	ControlPort       int `yaml:"control_port"`
	HeartbeatInterval int `yaml:"heartbeat_interval"` // seconds
	PieceLen          int `yaml:"piece_len"`          // bytes
}

// DefaultConfig is used when no tracker.yaml is present.
var DefaultConfig = Config{
	ControlPort:       types.ControlPort,
	HeartbeatInterval: 10,
	PieceLen:          256 << 10,
}

// LoadConfig reads filename as a YAML overlay on DefaultConfig. A missing
// file yields the defaults.
func LoadConfig(filename string) (Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.HeartbeatInterval <= 0 || c.PieceLen <= 0 {
		return c, fmt.Errorf("tracker config: heartbeat_interval and piece_len must be positive")
	}
	return c, nil
}
