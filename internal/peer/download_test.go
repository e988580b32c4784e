package peer

import (
	"bytes"
	"net"
	"os"
	"testing"
)

// startUploadServer serves pieces from the given peer's directory on an
// ephemeral localhost port and returns that port.
func startUploadServer(t *testing.T, src *Peer) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go src.serveUploads(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newDownloadPeer(t *testing.T, port int) *Peer {
	t.Helper()
	cfg := DefaultConfig
	cfg.PiecePort = port
	p := New(cfg, t.TempDir()+string(os.PathSeparator))
	p.ip = "10.0.0.9"
	p.pieceLen = 256
	p.monitorInterval = 0 // unblock immediately; no monitor is running
	return p
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestDownloadFileSingleSource(t *testing.T) {
	srcDir := t.TempDir() + string(os.PathSeparator)
	src := New(DefaultConfig, srcDir)
	content := pattern(1000) // 4 pieces at 256: 256+256+256+232
	if err := os.WriteFile(src.path("file"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	port := startUploadServer(t, src)

	p := newDownloadPeer(t, port)
	f := trackerFile("file", 500)
	f.Size = int64(len(content))
	f.Sources = []string{"127.0.0.1"}

	p.interlock.Block("file", OpAdd)
	p.downloadFile(f, OpAdd)

	got, err := os.ReadFile(p.path("file"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch: %d bytes, want %d", len(got), len(content))
	}
	info, err := os.Stat(p.path("file"))
	if err != nil {
		t.Fatal(err)
	}
	if info.ModTime().Unix() != 500 {
		t.Errorf("mtime = %d, want the tracker timestamp 500", info.ModTime().Unix())
	}
	entry, ok := p.files.Search("file")
	if !ok || entry.Timestamp != 500 {
		t.Errorf("local table entry = %+v, %v", entry, ok)
	}
	if entry.Sources[0] != p.ip {
		t.Errorf("sources[0] = %q, want own IP %q", entry.Sources[0], p.ip)
	}
	if p.downloads.Len() != 0 {
		t.Errorf("download table should be empty after completion")
	}
	for i := 0; i < 4; i++ {
		if _, err := os.Stat(p.partPath("file", i)); !os.IsNotExist(err) {
			t.Errorf("temp part %d should be deleted", i)
		}
	}
}

func TestDownloadFileSurvivesDeadSource(t *testing.T) {
	srcDir := t.TempDir() + string(os.PathSeparator)
	src := New(DefaultConfig, srcDir)
	content := pattern(1024)
	if err := os.WriteFile(src.path("file"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	port := startUploadServer(t, src)

	p := newDownloadPeer(t, port)
	f := trackerFile("file", 700)
	f.Size = int64(len(content))
	// first source refuses connections; the worker for it exits and the
	// remaining worker drains every piece
	f.Sources = []string{"127.0.0.3", "127.0.0.1"}

	p.interlock.Block("file", OpAdd)
	p.downloadFile(f, OpAdd)

	got, err := os.ReadFile(p.path("file"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch")
	}
	if p.downloads.Len() != 0 {
		t.Errorf("download table should be empty after completion")
	}
}

func TestDownloadFileIntoSubdirectory(t *testing.T) {
	srcDir := t.TempDir() + string(os.PathSeparator)
	src := New(DefaultConfig, srcDir)
	content := pattern(300)
	if err := os.MkdirAll(src.path("sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src.path("sub/file"), content, 0o644); err != nil {
		t.Fatal(err)
	}
	port := startUploadServer(t, src)

	p := newDownloadPeer(t, port)
	f := trackerFile("sub/file", 900)
	f.Size = int64(len(content))
	f.Sources = []string{"127.0.0.1"}

	p.interlock.Block("sub/file", OpAdd)
	p.downloadFile(f, OpAdd)

	got, err := os.ReadFile(p.path("sub/file"))
	if err != nil {
		t.Fatalf("downloaded file missing: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("content mismatch")
	}
}

func TestDownloadEmptyFile(t *testing.T) {
	p := newDownloadPeer(t, 1) // no server needed: zero pieces
	f := trackerFile("empty", 123)
	f.Size = 0
	f.Sources = []string{"127.0.0.1"}

	p.interlock.Block("empty", OpAdd)
	p.downloadFile(f, OpAdd)

	info, err := os.Stat(p.path("empty"))
	if err != nil {
		t.Fatalf("empty file not created: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("size = %d, want 0", info.Size())
	}
	if _, ok := p.files.Search("empty"); !ok {
		t.Errorf("empty file should be recorded in the local table")
	}
}

func TestDownloadAllSourcesUnreachable(t *testing.T) {
	p := newDownloadPeer(t, 1)
	f := trackerFile("file", 500)
	f.Size = 1024
	f.Sources = []string{"127.0.0.3"}

	p.interlock.Block("file", OpAdd)
	p.downloadFile(f, OpAdd)

	if _, err := os.Stat(p.path("file")); !os.IsNotExist(err) {
		t.Errorf("failed download must not materialise the file")
	}
	if _, ok := p.files.Search("file"); ok {
		t.Errorf("failed download must not update the local table")
	}
	if p.downloads.Len() != 0 {
		t.Errorf("aborted entry should be removed so the next broadcast retries")
	}
	if p.interlock.IsBlocked("file", OpAdd) {
		t.Errorf("aborted download must release its block")
	}
}
