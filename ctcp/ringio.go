package ctcp

import (
	"io"

	"github.com/soypat/corenet/internal"
)

// RingAppIO is a ready-to-use AppIO backed by two fixed-size byte ring
// buffers: one the application writes into for sending, one it reads from
// for receiving — a concrete collaborator for callers that don't already
// own an application-side buffer.
type RingAppIO struct {
	send     internal.Ring
	recv     internal.Ring
	eof      bool
	peerDone bool
}

// NewRingAppIO allocates a RingAppIO with the given send/receive buffer
// capacities.
func NewRingAppIO(sendSize, recvSize int) *RingAppIO {
	return &RingAppIO{
		send: internal.Ring{Buf: make([]byte, sendSize)},
		recv: internal.Ring{Buf: make([]byte, recvSize)},
	}
}

// Write queues application bytes for a Conn to pick up via Input. Returns
// an error if the send ring has no room for all of b.
func (r *RingAppIO) Write(b []byte) (int, error) {
	return r.send.Write(b)
}

// CloseWrite marks end-of-stream: once the send ring drains, Input reports
// eof=true so the owning Conn emits a FIN.
func (r *RingAppIO) CloseWrite() { r.eof = true }

// Read drains bytes a Conn has delivered via Output. Returns io.EOF once the
// peer's FIN has been delivered and the receive ring is empty.
func (r *RingAppIO) Read(b []byte) (int, error) {
	n, err := r.recv.Read(b)
	if err == io.EOF {
		if r.peerDone {
			return 0, io.EOF
		}
		return 0, nil // no data yet, stream still open.
	}
	return n, err
}

// Input implements AppIO.
func (r *RingAppIO) Input() ([]byte, bool, error) {
	n := r.send.Buffered()
	if n == 0 {
		return nil, r.eof, nil
	}
	buf := make([]byte, n)
	r.send.Read(buf)
	return buf, false, nil
}

// Output implements AppIO. Output(nil) marks the receive side done so a
// subsequent Read reports io.EOF once drained.
func (r *RingAppIO) Output(data []byte) (int, error) {
	if data == nil {
		r.peerDone = true
		return 0, nil
	}
	return r.recv.Write(data)
}

// BufSpace implements AppIO.
func (r *RingAppIO) BufSpace() int { return r.recv.Free() }
