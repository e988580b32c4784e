package peer

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Alerts is the capability interface the monitor reports through. OnAdd,
// OnModify and OnDelete carry the path relative to the watched root (slash
// separated); OnSync fires once after the first full scan; OnTick fires
// after every scan.
type Alerts interface {
	OnAdd(name string)
	OnModify(name string)
	OnDelete(name string)
	OnSync()
	OnTick()
}

type fileStamp struct {
	size  int64
	mtime int64
	isDir bool
}

// Monitor is a polling watcher over the peer's directory. Each pass diffs
// the current directory contents against the previous snapshot and reports
// through Alerts, consulting the interlock first: a blocked (path, op)
// event is dropped, but the snapshot still advances, so the engine's own
// mutations are never re-reported after the block lifts.
type Monitor struct {
	dir       string
	interval  time.Duration
	interlock *Interlock
	alerts    Alerts
	prev      map[string]fileStamp
}

// NewMonitor creates a monitor; Run starts polling.
func NewMonitor(dir string, interval time.Duration, interlock *Interlock, alerts Alerts) *Monitor {
	return &Monitor{dir: dir, interval: interval, interlock: interlock, alerts: alerts}
}

// Prime runs the first scan, reporting every existing entry as an add
// (populating the peer's local table), then fires OnSync.
func (m *Monitor) Prime() {
	m.poll()
	m.alerts.OnSync()
}

// Run polls until ctx is cancelled, priming first if that has not happened.
func (m *Monitor) Run(ctx context.Context) {
	if m.prev == nil {
		m.Prime()
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) poll() {
	cur := m.scan()
	for name, st := range cur {
		prev, ok := m.prev[name]
		if !ok {
			if m.interlock.IsBlocked(name, OpAdd) {
				continue
			}
			m.alerts.OnAdd(name)
			continue
		}
		if !st.isDir && (st.mtime != prev.mtime || st.size != prev.size) {
			if m.interlock.IsBlocked(name, OpWrite) {
				continue
			}
			m.alerts.OnModify(name)
		}
	}
	for name := range m.prev {
		if _, ok := cur[name]; ok {
			continue
		}
		if m.interlock.IsBlocked(name, OpDelete) {
			continue
		}
		m.alerts.OnDelete(name)
	}
	m.prev = cur
	m.alerts.OnTick()
}

// scan walks the watched directory, skipping in-progress piece temp files.
func (m *Monitor) scan() map[string]fileStamp {
	out := make(map[string]fileStamp)
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // entry vanished mid-walk; next poll catches up
		}
		rel, rerr := filepath.Rel(m.dir, path)
		if rerr != nil || rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if isPartFile(name) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		st := fileStamp{mtime: info.ModTime().Unix(), isDir: d.IsDir()}
		if !st.isDir {
			st.size = info.Size()
		}
		out[name] = st
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Printf("[monitor] scan %s: %v", m.dir, err)
	}
	return out
}

func isPartFile(name string) bool {
	return strings.Contains(filepath.Base(name), ".part.")
}
