// Package tracker implements the central coordinator: it accepts peer
// control connections, tracks liveness, merges every peer's advertised file
// table into the global one, and rebroadcasts the merged table.
package tracker

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcrowley/go-metrics"

	"github.com/michael4d45/dartsync/internal/filetable"
	"github.com/michael4d45/dartsync/internal/types"
	"github.com/michael4d45/dartsync/internal/wire"
)

// Tracker encapsulates the global file table, the registered peer table and
// the websocket control endpoint.
type Tracker struct {
	cfg      Config
	files    *filetable.Table
	peers    *PeerTable
	upgrader websocket.Upgrader

	// mergeMu serialises merge+broadcast so two concurrent FILE_UPDATEs
	// cannot interleave their read-modify-write of the file table. It is
	// never held while a table mutex is held by this goroutine's caller.
	mergeMu sync.Mutex
}

// New creates a Tracker with an empty file and peer table.
func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:      cfg,
		files:    filetable.New(),
		peers:    NewPeerTable(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Files exposes the merged table (for diagnostics and tests).
func (t *Tracker) Files() *filetable.Table { return t.files }

// PeerCount returns the number of registered peers.
func (t *Tracker) PeerCount() int { return t.peers.Len() }

// RegisterRoutes attaches the control endpoint to the provided mux.
func (t *Tracker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", t.handleWS)
}

// handleWS upgrades the connection, requires a REGISTER packet, replies with
// the initial TRACKER_SYNC and then services KEEP_ALIVE / FILE_UPDATE until
// the stream breaks. A closed stream is proof of death: the peer is removed
// and its IP purged from every file's sources.
func (t *Tracker) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[tracker] upgrade: %v", err)
		return
	}

	_, msg, err := c.ReadMessage()
	if err != nil {
		log.Printf("[tracker] read register: %v", err)
		_ = c.Close()
		return
	}
	pkt, err := wire.DecodePeerPacket(msg)
	if err != nil {
		log.Printf("[tracker] bad register from %s: %v", r.RemoteAddr, err)
		_ = c.Close()
		return
	}
	if pkt.Kind != types.PacketRegister || pkt.IP == "" {
		log.Printf("[tracker] bad register from %s: kind=%s", r.RemoteAddr, pkt.Kind)
		_ = c.Close()
		return
	}

	// A reconnect under the same IP replaces the stale entry; removing it
	// here keeps the old handler's teardown from purging the new one.
	if old, ok := t.peers.SearchByIP(pkt.IP); ok {
		t.peers.DeleteEntry(old)
		_ = old.Conn.Close()
	}
	peer := NewPeerEntry(pkt.IP, c)
	t.peers.Add(peer)
	metrics.GetOrRegisterCounter("tracker.peers.registered", nil).Inc(1)
	log.Printf("[tracker] peer registered ip=%s p2p_port=%d remote=%s", pkt.IP, pkt.Port, r.RemoteAddr)

	var writeWG sync.WaitGroup
	writeWG.Add(1)
	go func() {
		defer writeWG.Done()
		for b := range peer.sendCh {
			if err := c.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				log.Printf("[tracker] SetWriteDeadline error: %v", err)
			}
			if err := c.WriteMessage(websocket.BinaryMessage, b); err != nil {
				log.Printf("[tracker] write to %s: %v", peer.IP, err)
				return
			}
		}
	}()

	defer func() {
		if t.peers.DeleteEntry(peer) {
			if t.purgePeer(peer.IP) {
				t.broadcast()
			}
		}
		peer.CloseSend()
		writeWG.Wait()
		_ = c.Close()
		log.Printf("[tracker] peer gone ip=%s", peer.IP)
	}()

	t.sendSync(peer)

	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			log.Printf("[tracker] read from %s: %v", peer.IP, err)
			return
		}
		pkt, err := wire.DecodePeerPacket(msg)
		if err != nil {
			log.Printf("[tracker] bad packet from %s: %v", peer.IP, err)
			continue
		}
		switch pkt.Kind {
		case types.PacketKeepAlive:
			if err := t.peers.RefreshTimestamp(pkt.IP); err != nil {
				log.Printf("[tracker] keep_alive refused: %v", err)
			}
		case types.PacketFileUpdate:
			// The control stream orders KEEP_ALIVE with FILE_UPDATE, so a
			// table update also proves liveness.
			if err := t.peers.RefreshTimestamp(pkt.IP); err != nil {
				log.Printf("[tracker] keep_alive refused: %v", err)
			}
			t.mergeMu.Lock()
			changed := t.merge(pkt.IP, pkt.Entries)
			t.mergeMu.Unlock()
			log.Printf("[tracker] file_update from %s entries=%d changed=%v", pkt.IP, len(pkt.Entries), changed)
			if changed {
				t.broadcast()
			}
		default:
			log.Printf("[tracker] unexpected packet kind %s from %s", pkt.Kind, peer.IP)
		}
	}
}

// merge folds one peer's advertised table into the global one. Entries are
// keyed by name; a newer timestamp wins and resets the sources to the sender
// (stale holders re-accumulate after they re-download); an equal timestamp
// accumulates the sender as an additional source. Files the sender no longer
// lists lose the sender's IP, and a file with no sources left is removed.
// Caller holds mergeMu.
func (t *Tracker) merge(ip string, entries []types.FileEntry) bool {
	changed := false
	incoming := filetable.FromEntries(entries)
	seen := make(map[string]bool)
	for _, in := range incoming.Snapshot() {
		seen[in.Name] = true
		cur, ok := t.files.Search(in.Name)
		if !ok {
			e := in.Clone()
			e.Sources = []string{ip}
			t.files.Append(e)
			changed = true
			continue
		}
		switch {
		case in.Timestamp > cur.Timestamp:
			t.files.Mutate(in.Name, func(e *types.FileEntry) {
				e.Size = in.Size
				e.Timestamp = in.Timestamp
				e.Mode = in.Mode
				e.Sources = []string{ip}
			})
			changed = true
		case in.Timestamp == cur.Timestamp:
			if !cur.HasSource(ip) {
				t.files.Mutate(in.Name, func(e *types.FileEntry) {
					if !e.AddSource(ip) {
						log.Printf("[tracker] sources full for %s, dropping %s", e.Name, ip)
					}
				})
				changed = true
			}
		default:
			// Sender holds an outdated copy; the next broadcast tells it to
			// re-download, so it is not a source.
		}
	}
	for _, cur := range t.files.Snapshot() {
		if seen[cur.Name] || !cur.HasSource(ip) {
			continue
		}
		t.files.Mutate(cur.Name, func(e *types.FileEntry) { e.RemoveSource(ip) })
		if e, ok := t.files.Search(cur.Name); ok && len(e.Sources) == 0 {
			t.files.Delete(cur.Name)
		}
		changed = true
	}
	return changed
}

// purgePeer removes ip from every file's sources, dropping files that end up
// with none. Returns whether anything changed.
func (t *Tracker) purgePeer(ip string) bool {
	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()
	changed := false
	for _, cur := range t.files.Snapshot() {
		if !cur.HasSource(ip) {
			continue
		}
		t.files.Mutate(cur.Name, func(e *types.FileEntry) { e.RemoveSource(ip) })
		if e, ok := t.files.Search(cur.Name); ok && len(e.Sources) == 0 {
			t.files.Delete(cur.Name)
		}
		changed = true
	}
	return changed
}

func (t *Tracker) syncPacket() []byte {
	b, err := wire.EncodeTrackerPacket(&wire.TrackerPacket{
		HeartbeatInterval: uint32(t.cfg.HeartbeatInterval),
		PieceLen:          uint32(t.cfg.PieceLen),
		Entries:           t.files.Snapshot(),
	})
	if err != nil {
		log.Printf("[tracker] encode sync: %v", err)
		return nil
	}
	return b
}

func (t *Tracker) sendSync(p *PeerEntry) {
	if b := t.syncPacket(); b != nil && !p.Send(b) {
		log.Printf("[tracker] send queue full for %s, sync dropped", p.IP)
	}
}

// broadcast pushes the current merged table to every live peer.
func (t *Tracker) broadcast() {
	b := t.syncPacket()
	if b == nil {
		return
	}
	metrics.GetOrRegisterCounter("tracker.broadcasts", nil).Inc(1)
	for _, p := range t.peers.Peers() {
		if !p.Send(b) {
			log.Printf("[tracker] send queue full for %s, broadcast dropped", p.IP)
		}
	}
}

// SweepLoop ages out peers that have been silent for LivenessMultiplier
// heartbeat intervals, purging their IPs from the file table. It runs until
// ctx is cancelled.
func (t *Tracker) SweepLoop(ctx context.Context) {
	interval := time.Duration(t.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-types.LivenessMultiplier * interval)
		dead := t.peers.Sweep(cutoff)
		if len(dead) == 0 {
			continue
		}
		metrics.GetOrRegisterCounter("tracker.peers.swept", nil).Inc(int64(len(dead)))
		changed := false
		for _, p := range dead {
			log.Printf("[tracker] sweeping dead peer ip=%s last_heard=%s", p.IP, p.LastHeard.Format(time.RFC3339))
			if t.purgePeer(p.IP) {
				changed = true
			}
			_ = p.Conn.Close()
		}
		if changed {
			t.broadcast()
		}
	}
}
