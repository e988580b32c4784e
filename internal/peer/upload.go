package peer

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"

	"github.com/rcrowley/go-metrics"

	"github.com/michael4d45/dartsync/internal/wire"
)

// maxPieceSize caps a single piece request. Keep this comfortably above any
// sane tracker piece_len to bound per-request memory on the upload side.
const maxPieceSize = 16 << 20 // 16 MiB

// p2pListen accepts piece connections from other peers and serves each on
// its own goroutine until ctx is cancelled.
func (p *Peer) p2pListen(ctx context.Context) {
	defer p.wg.Done()
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.cfg.PiecePort))
	if err != nil {
		log.Printf("[p2p] listen :%d: %v", p.cfg.PiecePort, err)
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close() // unblocks Accept
	}()
	log.Printf("[p2p] serving pieces on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[p2p] accept: %v", err)
			continue
		}
		go p.serveUploads(conn)
	}
}

// serveUploads answers piece requests on one connection until the
// downloader closes the stream or sends the end-of-stream sentinel. The
// reply to each request is exactly the requested bytes, no framing header.
func (p *Peer) serveUploads(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := wire.ReadPieceRequest(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("[p2p] read request: %v", err)
			}
			return
		}
		if req.Sentinel() {
			return
		}
		if strings.Contains(req.Filename, "..") {
			log.Printf("[p2p] rejecting traversal in request: %q", req.Filename)
			return
		}
		if req.Size > maxPieceSize {
			log.Printf("[p2p] rejecting oversized piece request: %d bytes", req.Size)
			return
		}
		f, err := os.Open(p.path(req.Filename))
		if err != nil {
			log.Printf("[p2p] open %s: %v", req.Filename, err)
			return
		}
		buf := make([]byte, req.Size)
		_, rerr := f.ReadAt(buf, int64(req.Start))
		f.Close()
		if rerr != nil {
			log.Printf("[p2p] read %s piece %d: %v", req.Filename, req.PieceNum, rerr)
			return
		}
		if _, err := conn.Write(buf); err != nil {
			log.Printf("[p2p] write piece %d of %s: %v", req.PieceNum, req.Filename, err)
			return
		}
		metrics.GetOrRegisterCounter("peer.pieces.served", nil).Inc(1)
	}
}
