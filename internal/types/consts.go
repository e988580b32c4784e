package types

import "time"

// Protocol constants. These must agree between peer and tracker; the tracker
// additionally dictates the heartbeat interval and piece length at
// registration time via the first TRACKER_SYNC packet.
const (
	// ControlPort is the tracker's websocket control endpoint port.
	ControlPort = 8080
	// PiecePort is the default TCP port peers serve file pieces on.
	PiecePort = 8081

	// IPLen is the fixed width of an IP address field on the wire.
	IPLen = 16
	// FileNameMaxLen is the fixed width of a file name field on the wire.
	FileNameMaxLen = 256
	// MaxPeerNum caps the sources list of a file entry.
	MaxPeerNum = 16
)

// MonitorPollInterval is the cadence of the directory monitor. Interlock
// unblocks are delayed by this much past the engine's own filesystem
// mutation so the monitor has observed it before the block is released.
const MonitorPollInterval = 2 * time.Second

// LivenessMultiplier scales the heartbeat interval into the window after
// which the tracker considers a silent peer dead.
const LivenessMultiplier = 3
