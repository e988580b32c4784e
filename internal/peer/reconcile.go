package peer

import (
	"log"
	"os"

	"github.com/michael4d45/dartsync/internal/filetable"
	"github.com/michael4d45/dartsync/internal/types"
)

// reconcile performs one pass against a freshly received tracker table: the
// forward sweep creates directories and spawns downloads for absent or
// outdated files, the reverse sweep deletes everything the tracker no
// longer lists, and downloads for delisted files are cancelled. The forward
// sweep always completes before the reverse sweep so a rename (delete+add
// on the wire) starts its add half first.
func (p *Peer) reconcile(tracker *filetable.Table) {
	// forward sweep
	for _, t := range tracker.Snapshot() {
		local, ok := p.files.Search(t.Name)
		switch {
		case !ok:
			p.interlock.Block(t.Name, OpAdd)
			if t.IsDir() {
				p.createDir(t)
				continue
			}
			if _, busy := p.downloads.Search(t.Name); !busy {
				log.Printf("[peer] need download (new): %s", t.Name)
				p.spawnDownload(t, OpAdd)
			}
		case t.Timestamp > local.Timestamp && !t.IsDir():
			if _, busy := p.downloads.Search(t.Name); !busy {
				p.interlock.Block(t.Name, OpWrite)
				log.Printf("[peer] need download (outdated): %s", t.Name)
				p.spawnDownload(t, OpWrite)
			}
		default:
			// equal or older timestamp: no action, ties mean equal
		}
	}

	// reverse sweep
	for _, l := range p.files.Snapshot() {
		if _, ok := tracker.Search(l.Name); ok {
			continue
		}
		p.interlock.Block(l.Name, OpDelete)
		path := p.path(l.Name)
		var err error
		if l.IsDir() {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil && !os.IsNotExist(err) {
			// skip this action; the next reconciliation retries
			log.Printf("[peer] remove %s: %v", l.Name, err)
			p.interlock.Unblock(l.Name, OpDelete)
			continue
		}
		p.files.Delete(l.Name)
		log.Printf("[peer] deleted %s", l.Name)
		p.interlock.UnblockAfter(l.Name, OpDelete, p.monitorInterval)
	}

	// cancel downloads for files no longer listed; their workers observe
	// the cancellation on the next claim and exit
	for _, name := range p.downloads.Names() {
		if _, ok := tracker.Search(name); !ok {
			log.Printf("[peer] cancelling delisted download %s", name)
			p.downloads.Remove(name)
		}
	}
}

// createDir materialises a directory the tracker lists, records it locally
// and releases the add block one monitor interval later.
func (p *Peer) createDir(t types.FileEntry) {
	if err := os.MkdirAll(p.path(t.Name), 0o755); err != nil {
		log.Printf("[peer] mkdir %s: %v", t.Name, err)
		p.interlock.Unblock(t.Name, OpAdd)
		return
	}
	e, err := p.scanEntry(t.Name)
	if err != nil {
		log.Printf("[peer] stat new dir %s: %v", t.Name, err)
		p.interlock.Unblock(t.Name, OpAdd)
		return
	}
	if _, ok := p.files.Search(t.Name); !ok {
		p.files.Append(e)
	}
	p.dirty.Store(true)
	log.Printf("[peer] created directory %s", t.Name)
	p.interlock.UnblockAfter(t.Name, OpAdd, p.monitorInterval)
}
