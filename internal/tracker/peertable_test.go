package tracker

import (
	"testing"
	"time"
)

func TestAddSearchDelete(t *testing.T) {
	tbl := NewPeerTable()
	tbl.Add(NewPeerEntry("10.0.0.1", nil))
	tbl.Add(NewPeerEntry("10.0.0.2", nil))

	if !tbl.Exists("10.0.0.1") {
		t.Errorf("Exists(10.0.0.1) = false")
	}
	if _, ok := tbl.SearchByIP("10.0.0.3"); ok {
		t.Errorf("SearchByIP(10.0.0.3) should fail")
	}
	if !tbl.DeleteByIP("10.0.0.1") {
		t.Errorf("DeleteByIP should succeed")
	}
	if tbl.DeleteByIP("10.0.0.1") {
		t.Errorf("second DeleteByIP should fail")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len = %d, want 1", tbl.Len())
	}
}

func TestRefreshTimestamp(t *testing.T) {
	tbl := NewPeerTable()
	e := NewPeerEntry("10.0.0.1", nil)
	e.LastHeard = time.Now().Add(-time.Minute)
	tbl.Add(e)

	if err := tbl.RefreshTimestamp("10.0.0.1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if time.Since(e.LastHeard) > time.Second {
		t.Errorf("LastHeard not refreshed: %v", e.LastHeard)
	}
	if err := tbl.RefreshTimestamp("10.0.0.9"); err == nil {
		t.Errorf("refresh of unknown peer should fail")
	}
}

func TestRefreshTimestampClockSkewGuard(t *testing.T) {
	tbl := NewPeerTable()
	e := NewPeerEntry("10.0.0.1", nil)
	future := time.Now().Add(time.Hour)
	e.LastHeard = future
	tbl.Add(e)

	if err := tbl.RefreshTimestamp("10.0.0.1"); err == nil {
		t.Fatalf("refresh with future timestamp should be refused")
	}
	if !e.LastHeard.Equal(future) {
		t.Errorf("refused refresh must not move LastHeard")
	}
}

func TestSweep(t *testing.T) {
	tbl := NewPeerTable()
	old := NewPeerEntry("10.0.0.1", nil)
	old.LastHeard = time.Now().Add(-time.Hour)
	tbl.Add(old)
	tbl.Add(NewPeerEntry("10.0.0.2", nil))

	dead := tbl.Sweep(time.Now().Add(-30 * time.Minute))
	if len(dead) != 1 || dead[0].IP != "10.0.0.1" {
		t.Fatalf("Sweep = %v", dead)
	}
	if tbl.Len() != 1 || !tbl.Exists("10.0.0.2") {
		t.Errorf("live peer should survive the sweep")
	}
}

func TestSendAfterClose(t *testing.T) {
	e := NewPeerEntry("10.0.0.1", nil)
	if !e.Send([]byte("x")) {
		t.Errorf("send to open entry should succeed")
	}
	e.CloseSend()
	e.CloseSend() // repeated close must be safe
	if e.Send([]byte("y")) {
		t.Errorf("send after close should report failure")
	}
}
