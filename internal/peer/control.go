package peer

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/michael4d45/dartsync/internal/filetable"
	"github.com/michael4d45/dartsync/internal/types"
	"github.com/michael4d45/dartsync/internal/wire"
)

// connectTracker dials the tracker's control endpoint and starts the writer
// goroutine. Failure here is fatal at startup.
func (p *Peer) connectTracker() error {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(p.cfg.TrackerAddr, strconv.Itoa(p.cfg.ControlPort)),
		Path:   "/ws",
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("connect to tracker %s: %w", u.Host, err)
	}
	p.conn = conn
	p.ip = p.cfg.IP
	if p.ip == "" {
		if host, _, err := net.SplitHostPort(conn.LocalAddr().String()); err == nil {
			p.ip = host
		}
	}
	if p.ip == "" {
		_ = conn.Close()
		return fmt.Errorf("cannot determine own IP; set ip: in peer.yaml")
	}
	log.Printf("[peer] connected to tracker %s as %s", u.Host, p.ip)
	p.wg.Add(1)
	go p.writeLoop()
	return nil
}

// writeLoop is the single writer on the control stream; KEEP_ALIVE and
// FILE_UPDATE share it, so the tracker's view of liveness never lags its
// view of this peer's files.
func (p *Peer) writeLoop() {
	defer p.wg.Done()
	for b := range p.sendCh {
		if err := p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
			log.Printf("[peer] SetWriteDeadline error: %v", err)
		}
		if err := p.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
			log.Printf("[peer] control write: %v", err)
			return
		}
	}
}

// send enqueues an encoded control packet, dropping it when the stream is
// torn down or the queue is full.
func (p *Peer) send(b []byte) bool {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.sendCh <- b:
		return true
	default:
		log.Printf("[peer] control send queue full, packet dropped")
		return false
	}
}

func (p *Peer) closeSend() {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.sendCh)
	}
}

// register sends the one-time REGISTER packet.
func (p *Peer) register() error {
	b, err := wire.EncodePeerPacket(&wire.PeerPacket{
		Kind: types.PacketRegister,
		IP:   p.ip,
		Port: uint32(p.cfg.PiecePort),
	})
	if err != nil {
		return err
	}
	if !p.send(b) {
		return fmt.Errorf("register: control stream unavailable")
	}
	return nil
}

// awaitFirstSync blocks for the TRACKER_SYNC that acknowledges REGISTER; it
// carries the heartbeat interval and piece length the peer needs to run.
func (p *Peer) awaitFirstSync() (*wire.TrackerPacket, error) {
	if err := p.conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return nil, err
	}
	_, msg, err := p.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("await tracker sync: %w", err)
	}
	if err := p.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	pkt, err := wire.DecodeTrackerPacket(msg)
	if err != nil {
		return nil, fmt.Errorf("decode tracker sync: %w", err)
	}
	if pkt.HeartbeatInterval == 0 || pkt.PieceLen == 0 {
		return nil, fmt.Errorf("tracker sync missing heartbeat interval or piece length")
	}
	return pkt, nil
}

// trackerListener consumes TRACKER_SYNC broadcasts and feeds each into the
// reconciler. A broken control stream is fatal for the peer; there is no
// reconnect.
func (p *Peer) trackerListener(ctx context.Context) {
	defer p.wg.Done()
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[peer] control stream broken: %v", err)
				p.cancel()
			}
			return
		}
		pkt, err := wire.DecodeTrackerPacket(msg)
		if err != nil {
			log.Printf("[peer] bad tracker packet: %v", err)
			continue
		}
		log.Printf("[peer] tracker sync entries=%d", len(pkt.Entries))
		p.reconcile(filetable.FromEntries(pkt.Entries))
	}
}

// sendFileUpdate pushes the current local table to the tracker.
func (p *Peer) sendFileUpdate() {
	b, err := wire.EncodePeerPacket(&wire.PeerPacket{
		Kind:    types.PacketFileUpdate,
		IP:      p.ip,
		Port:    uint32(p.cfg.PiecePort),
		Entries: p.files.Snapshot(),
	})
	if err != nil {
		log.Printf("[peer] encode file update: %v", err)
		return
	}
	p.send(b)
}

// heartbeatLoop sends KEEP_ALIVE every heartbeat interval, as dictated by
// the tracker.
func (p *Peer) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		b, err := wire.EncodePeerPacket(&wire.PeerPacket{
			Kind: types.PacketKeepAlive,
			IP:   p.ip,
			Port: uint32(p.cfg.PiecePort),
		})
		if err != nil {
			log.Printf("[peer] encode keep_alive: %v", err)
			continue
		}
		p.send(b)
	}
}
