// Package wire implements the fixed-width binary codec for the peer↔tracker
// control packets and the P2P piece-request header. All integers are
// big-endian; this is a deliberate break from the original host-byte-order
// framing and makes packets portable across mixed-endian deployments.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/michael4d45/dartsync/internal/types"
)

// ErrNameTooLong is returned when a file name or IP does not fit its
// fixed-width field.
var ErrNameTooLong = errors.New("wire: name exceeds fixed field width")

// ErrTruncated is returned when a buffer is shorter than its header claims.
var ErrTruncated = errors.New("wire: truncated packet")

const (
	entryWireLen    = types.FileNameMaxLen + 8 + 8 + 4 + types.MaxPeerNum*types.IPLen
	peerHeaderLen   = 4 + types.IPLen + 4 + 4
	trackerHdrLen   = 4 + 4 + 4
	PieceRequestLen = types.FileNameMaxLen + 8 + 4 + 4
)

// PeerPacket is a peer→tracker control packet: REGISTER, KEEP_ALIVE or
// FILE_UPDATE, plus the sender's IP, its P2P port, and (for FILE_UPDATE)
// the serialised file table.
type PeerPacket struct {
	Kind    types.PacketKind
	IP      string
	Port    uint32
	Entries []types.FileEntry
}

// TrackerPacket is a tracker→peer sync packet carrying the dictated
// heartbeat interval (seconds), piece length (bytes), and the merged table.
type TrackerPacket struct {
	HeartbeatInterval uint32
	PieceLen          uint32
	Entries           []types.FileEntry
}

// PieceRequest asks an uploader for one contiguous byte range of a file.
// A request with an empty Filename is the end-of-stream sentinel.
type PieceRequest struct {
	Filename string
	Start    uint64
	Size     uint32
	PieceNum uint32
}

// Sentinel reports whether the request is the end-of-stream marker
// (filename field begins with a NUL byte on the wire).
func (r *PieceRequest) Sentinel() bool { return r.Filename == "" }

func putFixed(buf []byte, s string) error {
	if len(s) >= len(buf) {
		return fmt.Errorf("%w: %q in %d bytes", ErrNameTooLong, s, len(buf))
	}
	copy(buf, s)
	for i := len(s); i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

func getFixed(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}

func encodeEntry(e *types.FileEntry) ([]byte, error) {
	buf := make([]byte, entryWireLen)
	if err := putFixed(buf[:types.FileNameMaxLen], e.Name); err != nil {
		return nil, err
	}
	off := types.FileNameMaxLen
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Size))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(e.Timestamp))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], e.Mode)
	off += 4
	if len(e.Sources) > types.MaxPeerNum {
		return nil, fmt.Errorf("wire: entry %s has %d sources, max %d", e.Name, len(e.Sources), types.MaxPeerNum)
	}
	for _, ip := range e.Sources {
		if err := putFixed(buf[off:off+types.IPLen], ip); err != nil {
			return nil, err
		}
		off += types.IPLen
	}
	return buf, nil
}

func decodeEntry(buf []byte) types.FileEntry {
	e := types.FileEntry{Name: getFixed(buf[:types.FileNameMaxLen])}
	off := types.FileNameMaxLen
	e.Size = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	e.Timestamp = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	e.Mode = binary.BigEndian.Uint32(buf[off:])
	off += 4
	for i := 0; i < types.MaxPeerNum; i++ {
		ip := getFixed(buf[off : off+types.IPLen])
		off += types.IPLen
		if ip == "" {
			continue // empty slot
		}
		e.Sources = append(e.Sources, ip)
	}
	return e
}

// EncodePeerPacket serialises a peer→tracker packet.
func EncodePeerPacket(p *PeerPacket) ([]byte, error) {
	buf := make([]byte, peerHeaderLen, peerHeaderLen+len(p.Entries)*entryWireLen)
	binary.BigEndian.PutUint32(buf[0:], uint32(p.Kind))
	if err := putFixed(buf[4:4+types.IPLen], p.IP); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint32(buf[4+types.IPLen:], p.Port)
	binary.BigEndian.PutUint32(buf[8+types.IPLen:], uint32(len(p.Entries)))
	for i := range p.Entries {
		eb, err := encodeEntry(&p.Entries[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, eb...)
	}
	return buf, nil
}

// DecodePeerPacket parses a peer→tracker packet.
func DecodePeerPacket(buf []byte) (*PeerPacket, error) {
	if len(buf) < peerHeaderLen {
		return nil, ErrTruncated
	}
	p := &PeerPacket{
		Kind: types.PacketKind(binary.BigEndian.Uint32(buf[0:])),
		IP:   getFixed(buf[4 : 4+types.IPLen]),
		Port: binary.BigEndian.Uint32(buf[4+types.IPLen:]),
	}
	count := int(binary.BigEndian.Uint32(buf[8+types.IPLen:]))
	body := buf[peerHeaderLen:]
	if len(body) < count*entryWireLen {
		return nil, ErrTruncated
	}
	for i := 0; i < count; i++ {
		p.Entries = append(p.Entries, decodeEntry(body[i*entryWireLen:]))
	}
	return p, nil
}

// EncodeTrackerPacket serialises a tracker→peer sync packet.
func EncodeTrackerPacket(p *TrackerPacket) ([]byte, error) {
	buf := make([]byte, trackerHdrLen, trackerHdrLen+len(p.Entries)*entryWireLen)
	binary.BigEndian.PutUint32(buf[0:], p.HeartbeatInterval)
	binary.BigEndian.PutUint32(buf[4:], p.PieceLen)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(p.Entries)))
	for i := range p.Entries {
		eb, err := encodeEntry(&p.Entries[i])
		if err != nil {
			return nil, err
		}
		buf = append(buf, eb...)
	}
	return buf, nil
}

// DecodeTrackerPacket parses a tracker→peer sync packet.
func DecodeTrackerPacket(buf []byte) (*TrackerPacket, error) {
	if len(buf) < trackerHdrLen {
		return nil, ErrTruncated
	}
	p := &TrackerPacket{
		HeartbeatInterval: binary.BigEndian.Uint32(buf[0:]),
		PieceLen:          binary.BigEndian.Uint32(buf[4:]),
	}
	count := int(binary.BigEndian.Uint32(buf[8:]))
	body := buf[trackerHdrLen:]
	if len(body) < count*entryWireLen {
		return nil, ErrTruncated
	}
	for i := 0; i < count; i++ {
		p.Entries = append(p.Entries, decodeEntry(body[i*entryWireLen:]))
	}
	return p, nil
}

// WritePieceRequest writes one fixed-width piece request to w.
func WritePieceRequest(w io.Writer, r *PieceRequest) error {
	buf := make([]byte, PieceRequestLen)
	if err := putFixed(buf[:types.FileNameMaxLen], r.Filename); err != nil {
		return err
	}
	off := types.FileNameMaxLen
	binary.BigEndian.PutUint64(buf[off:], r.Start)
	binary.BigEndian.PutUint32(buf[off+8:], r.Size)
	binary.BigEndian.PutUint32(buf[off+12:], r.PieceNum)
	_, err := w.Write(buf)
	return err
}

// ReadPieceRequest reads one fixed-width piece request from r.
func ReadPieceRequest(rd io.Reader) (*PieceRequest, error) {
	buf := make([]byte, PieceRequestLen)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return nil, err
	}
	req := &PieceRequest{Filename: getFixed(buf[:types.FileNameMaxLen])}
	off := types.FileNameMaxLen
	req.Start = binary.BigEndian.Uint64(buf[off:])
	req.Size = binary.BigEndian.Uint32(buf[off+8:])
	req.PieceNum = binary.BigEndian.Uint32(buf[off+12:])
	return req, nil
}
