package peer

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michael4d45/dartsync/internal/types"
)

// Config holds the peer's tunables. The watched directory comes from the
// plain `config` file (see ReadWatchDir); everything here has a sensible
// default and can be overridden by an optional peer.yaml overlay.
type Config struct {
	TrackerAddr string `yaml:"tracker_addr"` // tracker host (no port)
	ControlPort int    `yaml:"control_port"`
	PiecePort   int    `yaml:"piece_port"`
	IP          string `yaml:"ip"` // advertised IP; derived from the control socket when empty
}

// DefaultConfig is used when no peer.yaml is present.
var DefaultConfig = Config{
	TrackerAddr: "127.0.0.1",
	ControlPort: types.ControlPort,
	PiecePort:   types.PiecePort,
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
	if c.TrackerAddr == "" || c.ControlPort <= 0 || c.PiecePort <= 0 {
		return c, fmt.Errorf("peer config: tracker_addr, control_port and piece_port must be set")
	}
	return c, nil
}

// ReadWatchDir reads the watched-directory path from the named config file:
// the first non-empty line, which must end with a path separator because
// bare file names are concatenated to it directly.
func ReadWatchDir(filename string) (string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasSuffix(line, "/") && !strings.HasSuffix(line, string(os.PathSeparator)) {
			return "", fmt.Errorf("config: watched directory %q must end with a path separator", line)
		}
		return line, nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	return "", fmt.Errorf("config: no directory line in %s", filename)
}
