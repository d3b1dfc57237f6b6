// Package wire implements the fixed 16-byte envelope prepended to every
// application payload exchanged over a session's WebSocket frame.
package wire

import (
	"encoding/binary"

	"github.com/gridrpc/gridrpc/rpcerr"
)

// HeaderSize is the on-the-wire size of an IoHeader in bytes.
const HeaderSize = 16

// MaxCallID bounds the call id space. Call ids select a handler
// (server-bound) or a broadcast listener (client-bound) and must satisfy
// 0 <= call_id < MaxCallID. The direct-indexed handler tables in client
// and server use this as their array length.
const MaxCallID = 1024

// Header is the fixed envelope: call_id (u32), a zeroed 4-byte pad, and
// result_id (u64). All integers are transmitted big-endian. ResultID is
// zero for broadcasts and fire-and-forget sends, non-zero when it
// correlates a request with its response.
type Header struct {
	CallID   uint32
	ResultID uint64
}

// Encode serializes h into a 16-byte big-endian buffer.
func Encode(h Header) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.CallID)
	// buf[4:8] stays zero — the pad.
	binary.BigEndian.PutUint64(buf[8:16], h.ResultID)
	return buf
}

// Decode parses a Header from the first 16 bytes of buf. It fails with
// ErrInvalidHeader only if fewer than 16 bytes are presented; the payload
// that follows is left untouched and is opaque to this package.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, rpcerr.ErrInvalidHeader
	}
	return Header{
		CallID:   binary.BigEndian.Uint32(buf[0:4]),
		ResultID: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// IsBroadcastOrFireAndForget reports whether h correlates no pending
// request (ResultID == 0).
func (h Header) IsBroadcastOrFireAndForget() bool {
	return h.ResultID == 0
}

// InCallIDRange reports whether h.CallID is a valid index into a
// direct-indexed handler table.
func (h Header) InCallIDRange() bool {
	return h.CallID < MaxCallID
}
