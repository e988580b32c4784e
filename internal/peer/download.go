package peer

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/michael4d45/dartsync/internal/types"
	"github.com/michael4d45/dartsync/internal/wire"
)

// downloadFile is the download-file task for one tracker entry: it builds
// the piece list, runs one source worker per advertised IP, waits for
// completion, reassembles the temp parts, stamps the tracker's mtime and
// folds the result into the local table.
func (p *Peer) downloadFile(f types.FileEntry, op Op) {
	if free, err := diskFree(p.dir); err == nil && free < uint64(f.Size) {
		log.Printf("[peer] not enough space for %s (%d bytes, %d free), skipping", f.Name, f.Size, free)
		p.interlock.Unblock(f.Name, op)
		return
	}

	entry := NewDownloadEntry(f.Name, f.Size, p.pieceLen)
	if !p.downloads.Add(entry) {
		return // already in flight
	}
	log.Printf("[peer] downloading %s pieces=%d sources=%d", f.Name, entry.NumPieces, len(f.Sources))

	var workers sync.WaitGroup
	for _, ip := range f.Sources {
		if ip == "" {
			continue
		}
		workers.Add(1)
		go func(ip string) {
			defer workers.Done()
			p.sourceWorker(entry, ip)
		}(ip)
	}
	go func() {
		workers.Wait()
		entry.WorkersDone()
	}()

	if !entry.Wait() {
		log.Printf("[peer] download of %s aborted (%d/%d pieces)", f.Name, entry.SuccessfulPieces(), entry.NumPieces)
		p.cleanupParts(f.Name, entry.NumPieces)
		p.downloads.Remove(f.Name)
		p.interlock.Unblock(f.Name, op)
		return
	}

	if err := p.reassemble(f.Name, entry.NumPieces); err != nil {
		// the local table is left untouched; the next tracker broadcast
		// re-triggers the download
		log.Printf("[peer] reassemble %s: %v", f.Name, err)
		p.cleanupParts(f.Name, entry.NumPieces)
		p.downloads.Remove(f.Name)
		p.interlock.Unblock(f.Name, op)
		return
	}

	// stamp the tracker's modification time so the finished download does
	// not read as a fresh local change on the next poll
	mtime := time.Unix(f.Timestamp, 0)
	if err := os.Chtimes(p.path(f.Name), mtime, mtime); err != nil {
		log.Printf("[peer] chtimes %s: %v", f.Name, err)
	}

	local := f.Clone()
	local.Sources = []string{p.ip}
	if _, ok := p.files.Search(f.Name); ok {
		p.files.Update(f.Name, local)
		p.interlock.UnblockAfter(f.Name, OpWrite, p.monitorInterval)
	} else {
		if e, err := p.scanEntry(f.Name); err == nil {
			p.files.Append(e)
		} else {
			log.Printf("[peer] stat finished %s: %v", f.Name, err)
			p.files.Append(local)
		}
		p.interlock.UnblockAfter(f.Name, OpAdd, p.monitorInterval)
	}
	p.dirty.Store(true)
	p.downloads.Remove(f.Name)
	metrics.GetOrRegisterCounter("peer.downloads.completed", nil).Inc(1)
	log.Printf("[peer] download complete %s", f.Name)
}

// sourceWorker pulls unclaimed pieces from one source over a single TCP
// connection until the entry completes, is cancelled, or the source proves
// unusable. Failed pieces go back to pending for other workers.
func (p *Peer) sourceWorker(entry *DownloadEntry, ip string) {
	addr := net.JoinHostPort(ip, strconv.Itoa(p.cfg.PiecePort))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		log.Printf("[peer] source %s unreachable: %v", ip, err)
		return
	}
	defer conn.Close()

	sendFailures := 0
	recvFailures := 0
	for !entry.Cancelled() {
		piece, ok := entry.ClaimPiece()
		if !ok {
			break
		}
		req := wire.PieceRequest{
			Filename: entry.FileName,
			Start:    uint64(piece.Start),
			Size:     uint32(piece.Size),
			PieceNum: uint32(piece.PieceNum),
		}
		if err := wire.WritePieceRequest(conn, &req); err != nil {
			entry.ReaddPiece(piece.PieceNum)
			metrics.GetOrRegisterCounter("peer.pieces.requeued", nil).Inc(1)
			sendFailures++
			if sendFailures >= 2 {
				log.Printf("[peer] source %s: repeated send failures, giving up: %v", ip, err)
				return
			}
			continue
		}
		sendFailures = 0

		buf := make([]byte, piece.Size)
		if err := conn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
			log.Printf("[peer] SetReadDeadline error: %v", err)
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			log.Printf("[peer] source %s piece %d receive: %v", ip, piece.PieceNum, err)
			entry.ReaddPiece(piece.PieceNum)
			metrics.GetOrRegisterCounter("peer.pieces.requeued", nil).Inc(1)
			recvFailures++
			if recvFailures >= 2 {
				return
			}
			continue
		}
		recvFailures = 0

		if err := p.writePart(entry.FileName, piece.PieceNum, buf); err != nil {
			log.Printf("[peer] write part %s.%d: %v", entry.FileName, piece.PieceNum, err)
			entry.ReaddPiece(piece.PieceNum)
			continue
		}
		entry.MarkDone(piece.PieceNum)
		metrics.GetOrRegisterCounter("peer.pieces.fetched", nil).Inc(1)
	}

	// tell the uploader we are finished with this stream
	_ = wire.WritePieceRequest(conn, &wire.PieceRequest{})
}

func (p *Peer) partPath(name string, piece int) string {
	return p.path(name) + ".part." + strconv.Itoa(piece)
}

func (p *Peer) writePart(name string, piece int, data []byte) error {
	path := p.partPath(name, piece)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// reassemble concatenates the temp parts into the final file and removes
// them. An empty file has zero parts and is simply created.
func (p *Peer) reassemble(name string, numPieces int) error {
	path := p.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	for i := 0; i < numPieces; i++ {
		part, err := os.Open(p.partPath(name, i))
		if err != nil {
			out.Close()
			return fmt.Errorf("missing part %d: %w", i, err)
		}
		_, err = io.Copy(out, part)
		part.Close()
		if err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	p.cleanupParts(name, numPieces)
	return nil
}

func (p *Peer) cleanupParts(name string, numPieces int) {
	for i := 0; i < numPieces; i++ {
		if err := os.Remove(p.partPath(name, i)); err != nil && !os.IsNotExist(err) {
			log.Printf("[peer] remove part %s.%d: %v", name, i, err)
		}
	}
}
