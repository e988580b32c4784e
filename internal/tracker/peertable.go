package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PeerEntry is one registered peer: its IP, the control connection it
// registered over, the outbound send queue serviced by that connection's
// writer goroutine, and the last time the tracker heard from it.
type PeerEntry struct {
	IP        string
	Conn      *websocket.Conn
	LastHeard time.Time

	sendMu sync.Mutex
	closed bool
	sendCh chan []byte
}

// NewPeerEntry builds an entry for a freshly registered peer.
func NewPeerEntry(ip string, conn *websocket.Conn) *PeerEntry {
	return &PeerEntry{IP: ip, Conn: conn, LastHeard: time.Now(), sendCh: make(chan []byte, 16)}
}

// Send enqueues an encoded packet for the peer's writer goroutine, dropping
// it when the queue is full or the peer is already being torn down.
func (p *PeerEntry) Send(b []byte) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.sendCh <- b:
		return true
	default:
		return false
	}
}

// CloseSend shuts the send queue, letting the writer goroutine drain and
// exit. Safe against concurrent Send and repeated calls.
func (p *PeerEntry) CloseSend() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.sendCh)
	}
}

// PeerTable is the ordered list of registered peers under a single mutex.
type PeerTable struct {
	mu    sync.Mutex
	peers []*PeerEntry
}

// NewPeerTable returns an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{}
}

// Add appends entry to the table.
func (t *PeerTable) Add(e *PeerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = append(t.peers, e)
}

// DeleteByIP removes the entry with the given IP, reporting whether it was
// present.
func (t *PeerTable) DeleteByIP(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.peers {
		if p.IP == ip {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			return true
		}
	}
	return false
}

// DeleteEntry removes exactly e, which may no longer be the entry
// registered under e.IP after a reconnect replaced it. Reports whether e
// was still in the table.
func (t *PeerTable) DeleteEntry(e *PeerEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.peers {
		if p == e {
			t.peers = append(t.peers[:i], t.peers[i+1:]...)
			return true
		}
	}
	return false
}

// SearchByIP returns the entry with the given IP.
func (t *PeerTable) SearchByIP(ip string) (*PeerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p.IP == ip {
			return p, true
		}
	}
	return nil, false
}

// Exists reports whether a peer with the same IP is already registered.
func (t *PeerTable) Exists(ip string) bool {
	_, ok := t.SearchByIP(ip)
	return ok
}

// RefreshTimestamp sets the peer's last-heard time to now. It refuses when
// the stored timestamp is already in the future, which indicates clock skew
// rather than a live heartbeat.
func (t *PeerTable) RefreshTimestamp(ip string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		if p.IP != ip {
			continue
		}
		now := time.Now()
		if p.LastHeard.After(now) {
			return fmt.Errorf("peer %s last-heard %s is in the future", ip, p.LastHeard.Format(time.RFC3339))
		}
		p.LastHeard = now
		return nil
	}
	return fmt.Errorf("peer %s not registered", ip)
}

// Peers returns a snapshot of the current entries.
func (t *PeerTable) Peers() []*PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*PeerEntry(nil), t.peers...)
}

// Len returns the number of registered peers.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Sweep removes and returns every peer whose last-heard time is before
// cutoff. The caller closes their connections and purges their IPs from the
// file table.
func (t *PeerTable) Sweep(cutoff time.Time) []*PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var dead []*PeerEntry
	kept := t.peers[:0]
	for _, p := range t.peers {
		if p.LastHeard.Before(cutoff) {
			dead = append(dead, p)
		} else {
			kept = append(kept, p)
		}
	}
	t.peers = kept
	return dead
}
