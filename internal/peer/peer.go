// Package peer implements the synchronisation engine of a node: the local
// file table fed by the directory monitor, the control stream to the
// tracker, the reconciliation loop that turns table differences into
// filesystem actions, and the piece-parallel download/upload engine.
package peer

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcrowley/go-metrics"

	"github.com/michael4d45/dartsync/internal/filetable"
	"github.com/michael4d45/dartsync/internal/types"
)

// Peer groups the process-wide state of one node. It is created in main and
// passed (as the receiver) to every goroutine entry point.
type Peer struct {
	cfg Config
	dir string // watched directory, with trailing separator
	ip  string // advertised IP, sources[0] of every local entry

	files     *filetable.Table
	downloads *DownloadTable
	interlock *Interlock

	// dictated by the tracker in the first TRACKER_SYNC
	heartbeat time.Duration
	pieceLen  int64

	monitorInterval time.Duration

	conn   *websocket.Conn
	sendMu sync.Mutex
	closed bool
	sendCh chan []byte

	cancel context.CancelFunc
	wg     sync.WaitGroup

	dirty atomic.Bool // local table changed since the last FILE_UPDATE

	// indirection so reconciliation tests can observe spawns without
	// touching the network
	spawnDownload func(f types.FileEntry, op Op)
}

// New creates a Peer for the given watched directory.
func New(cfg Config, dir string) *Peer {
	p := &Peer{
		cfg:             cfg,
		dir:             dir,
		files:           filetable.New(),
		downloads:       NewDownloadTable(),
		interlock:       NewInterlock(),
		monitorInterval: types.MonitorPollInterval,
		sendCh:          make(chan []byte, 64),
	}
	p.spawnDownload = func(f types.FileEntry, op Op) { go p.downloadFile(f, op) }
	return p
}

// Run connects to the tracker, registers, primes the local table from disk,
// applies the initial TRACKER_SYNC and then services the four long-lived
// loops until ctx is cancelled (SIGINT) or the control stream breaks.
func (p *Peer) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	defer cancel()

	if err := p.connectTracker(); err != nil {
		return err
	}
	if err := p.register(); err != nil {
		p.shutdown()
		p.wg.Wait()
		return err
	}

	// The first directory pass populates the local table and advertises it
	// before the initial sync is consumed, so reconciliation diffs against
	// what is actually on disk.
	monitor := NewMonitor(p.dir, p.monitorInterval, p.interlock, p)
	monitor.Prime()

	first, err := p.awaitFirstSync()
	if err != nil {
		p.shutdown()
		p.wg.Wait()
		return err
	}
	p.heartbeat = time.Duration(first.HeartbeatInterval) * time.Second
	p.pieceLen = int64(first.PieceLen)
	log.Printf("[peer] registered ip=%s heartbeat=%s piece_len=%d", p.ip, p.heartbeat, p.pieceLen)
	p.reconcile(filetable.FromEntries(first.Entries))

	p.wg.Add(3)
	go p.trackerListener(ctx)
	go p.p2pListen(ctx)
	go p.heartbeatLoop(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitor.Run(ctx)
	}()

	<-ctx.Done()
	p.shutdown()
	p.wg.Wait()
	p.logCounters()
	if parent.Err() == nil {
		// cancelled from inside: the control stream broke
		return errors.New("control stream to tracker broken")
	}
	return nil
}

func (p *Peer) shutdown() {
	log.Printf("[peer] shutting down")
	p.closeSend()
	if p.conn != nil {
		_ = p.conn.Close() // unblocks the tracker listener
	}
	for _, name := range p.downloads.Names() {
		p.downloads.Remove(name)
	}
}

func (p *Peer) logCounters() {
	fetched := metrics.GetOrRegisterCounter("peer.pieces.fetched", nil).Count()
	requeued := metrics.GetOrRegisterCounter("peer.pieces.requeued", nil).Count()
	served := metrics.GetOrRegisterCounter("peer.pieces.served", nil).Count()
	done := metrics.GetOrRegisterCounter("peer.downloads.completed", nil).Count()
	log.Printf("[peer] totals: pieces fetched=%d requeued=%d served=%d downloads=%d", fetched, requeued, served, done)
}

// path maps a table-relative name onto the filesystem. The watched
// directory carries its trailing separator, so bare names concatenate.
func (p *Peer) path(name string) string {
	return p.dir + filepath.FromSlash(name)
}

// scanEntry stats a watched path and builds its local table entry, with
// this peer as the sole source.
func (p *Peer) scanEntry(name string) (types.FileEntry, error) {
	info, err := os.Stat(p.path(name))
	if err != nil {
		return types.FileEntry{}, err
	}
	e := types.FileEntry{
		Name:      name,
		Timestamp: info.ModTime().Unix(),
		Mode:      uint32(info.Mode()),
		Sources:   []string{p.ip},
	}
	if !info.IsDir() {
		e.Size = info.Size()
	}
	return e, nil
}

// --- monitor callbacks -------------------------------------------------

// OnAdd records a user-created file or directory in the local table.
func (p *Peer) OnAdd(name string) {
	e, err := p.scanEntry(name)
	if err != nil {
		log.Printf("[peer] add %s: %v", name, err)
		return
	}
	if _, ok := p.files.Search(name); ok {
		p.files.Update(name, e)
	} else {
		p.files.Append(e)
	}
	p.dirty.Store(true)
	log.Printf("[peer] local add %s", name)
}

// OnModify refreshes the table entry for a user-modified file.
func (p *Peer) OnModify(name string) {
	e, err := p.scanEntry(name)
	if err != nil {
		log.Printf("[peer] modify %s: %v", name, err)
		return
	}
	if !p.files.Update(name, e) {
		p.files.Append(e)
	}
	p.dirty.Store(true)
	log.Printf("[peer] local modify %s", name)
}

// OnDelete drops the table entry for a user-deleted path.
func (p *Peer) OnDelete(name string) {
	if p.files.Delete(name) {
		p.dirty.Store(true)
		log.Printf("[peer] local delete %s", name)
	}
}

// OnSync advertises the freshly primed table to the tracker.
func (p *Peer) OnSync() {
	p.sendFileUpdate()
}

// OnTick pushes a FILE_UPDATE when the table changed since the last one.
func (p *Peer) OnTick() {
	if p.dirty.CompareAndSwap(true, false) {
		p.sendFileUpdate()
	}
}
