// Package ctcp implements the reliable byte-stream transport layered over a
// caller-supplied datagram service.
package ctcp

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/corenet/wire"
)

// HeaderSize is the fixed size of a cTCP segment header: seqno(4) + ackno(4)
// + len(2) + flags(4) + window(2) + cksum(2).
const HeaderSize = 18

// Flag bits of the cTCP header's flags field (§5.1).
const (
	FlagACK uint32 = 1 << 0
	FlagSYN uint32 = 1 << 1
	FlagFIN uint32 = 1 << 2
)

var errShortSegment = errors.New("ctcp: segment shorter than header")

// Segment is a cTCP segment: an 18 byte header plus payload, addressed
// directly over buf without copying (cf. ethernet.Frame, ipv4.Frame).
type Segment struct {
	buf []byte
}

// NewSegment wraps buf, which must be at least HeaderSize bytes long, as a
// Segment. buf is retained, not copied.
func NewSegment(buf []byte) (Segment, error) {
	if len(buf) < HeaderSize {
		return Segment{}, errShortSegment
	}
	return Segment{buf: buf}, nil
}

// RawData returns the full underlying buffer, header and payload included.
func (s Segment) RawData() []byte { return s.buf }

// ClearHeader zeroes the header fields, leaving any payload untouched.
func (s Segment) ClearHeader() {
	clear(s.buf[:HeaderSize])
}

// SeqNo returns the sequence number of the first payload byte.
func (s Segment) SeqNo() uint32 { return binary.BigEndian.Uint32(s.buf[0:4]) }

// SetSeqNo sets the sequence number field.
func (s Segment) SetSeqNo(v uint32) { binary.BigEndian.PutUint32(s.buf[0:4], v) }

// AckNo returns the cumulative acknowledgement number.
func (s Segment) AckNo() uint32 { return binary.BigEndian.Uint32(s.buf[4:8]) }

// SetAckNo sets the acknowledgement number field.
func (s Segment) SetAckNo(v uint32) { binary.BigEndian.PutUint32(s.buf[4:8], v) }

// Len returns the declared length of the payload, excluding the header.
func (s Segment) Len() uint16 { return binary.BigEndian.Uint16(s.buf[8:10]) }

// SetLen sets the payload length field.
func (s Segment) SetLen(v uint16) { binary.BigEndian.PutUint16(s.buf[8:10], v) }

// Flags returns the raw flags field.
func (s Segment) Flags() uint32 { return binary.BigEndian.Uint32(s.buf[10:14]) }

// SetFlags sets the raw flags field.
func (s Segment) SetFlags(v uint32) { binary.BigEndian.PutUint32(s.buf[10:14], v) }

// Window returns the advertised receive window, in bytes.
func (s Segment) Window() uint16 { return binary.BigEndian.Uint16(s.buf[14:16]) }

// SetWindow sets the advertised receive window field.
func (s Segment) SetWindow(v uint16) { binary.BigEndian.PutUint16(s.buf[14:16], v) }

// CRC returns the checksum field.
func (s Segment) CRC() uint16 { return binary.BigEndian.Uint16(s.buf[16:18]) }

// SetCRC sets the checksum field.
func (s Segment) SetCRC(v uint16) { binary.BigEndian.PutUint16(s.buf[16:18], v) }

// HasACK reports whether the ACK flag bit is set.
func (s Segment) HasACK() bool { return s.Flags()&FlagACK != 0 }

// HasSYN reports whether the SYN flag bit is set.
func (s Segment) HasSYN() bool { return s.Flags()&FlagSYN != 0 }

// HasFIN reports whether the FIN flag bit is set.
func (s Segment) HasFIN() bool { return s.Flags()&FlagFIN != 0 }

// Payload returns the bytes following the header, up to len(buf). Callers
// that trust Len should reslice to s.Payload()[:s.Len()].
func (s Segment) Payload() []byte { return s.buf[HeaderSize:] }

// sum computes the checksum over the header (treating the checksum field as
// zero) and payload. PayloadSum16 is used rather than Write/WriteEven
// because application data is not guaranteed to have even length.
func (s Segment) sum() uint16 {
	var crc wire.CRC791
	crc.WriteEven(s.buf[0:16])
	return crc.PayloadSum16(s.buf[HeaderSize:])
}

// VerifyCRC reports whether the stored checksum matches the recomputed one.
func (s Segment) VerifyCRC() bool {
	return s.sum() == s.CRC()
}

// SetChecksum recomputes and stores the checksum over the current header and
// payload contents.
func (s Segment) SetChecksum() {
	s.SetCRC(s.sum())
}
