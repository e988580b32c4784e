package peer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadWatchDir(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain", "./watched/\n", "./watched/", false},
		{"skips leading blank lines", "\n\n/data/sync/\n", "/data/sync/", false},
		{"missing trailing separator", "./watched\n", "", true},
		{"empty file", "", "", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(dir, "config-"+test.name)
			if err := os.WriteFile(path, []byte(test.content), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := ReadWatchDir(path)
			if test.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadWatchDir: %v", err)
			}
			if got != test.want {
				t.Errorf("got %q, want %q", got, test.want)
			}
		})
	}
}

func TestReadWatchDirMissingFile(t *testing.T) {
	if _, err := ReadWatchDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Errorf("missing config must be an error")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing overlay should yield defaults: %v", err)
	}
	if cfg != DefaultConfig {
		t.Errorf("got %+v, want defaults %+v", cfg, DefaultConfig)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	if err := os.WriteFile(path, []byte("tracker_addr: 192.168.1.5\npiece_port: 9001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.TrackerAddr != "192.168.1.5" || cfg.PiecePort != 9001 {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.ControlPort != DefaultConfig.ControlPort {
		t.Errorf("unset keys must keep defaults: %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	if err := os.WriteFile(path, []byte("tracker_addr: \"\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("empty tracker_addr must be rejected")
	}
}
