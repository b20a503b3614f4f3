// Package wire implements the gateway's multi-frame packet codec.
//
// A packet is an ordered sequence of frames. Frames carry a "label" bit
// marking them as part of the leading routing envelope; the codec enforces
// that labeled frames form a contiguous prefix of the packet (invariants
// C1/C2). This mirrors the cppzmq packet_t/message_t pair the original
// implementation built on top of ZeroMQ's ROUTER/DEALER label semantics,
// adapted to a plain length-prefixed TCP frame instead of a ZeroMQ
// multipart message (see SPEC_FULL.md §2 for why no ZeroMQ binding is
// used).
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameLen bounds a single frame's payload to guard against a
// corrupt or hostile peer claiming an enormous length prefix.
const maxFrameLen = 16 << 20

// Frame is a single labeled or unlabeled chunk of a packet.
type Frame struct {
	Label bool
	Data  []byte
}

// Packet is an ordered sequence of frames, read/written as a unit.
type Packet []Frame

// PushFront prepends a frame, enforcing invariant C1: an unlabeled frame
// cannot be pushed in front of an already-labeled head, since that would
// break the labeled-frames-form-a-prefix property.
func (p *Packet) PushFront(f Frame) error {
	if !f.Label && len(*p) > 0 && (*p)[0].Label {
		return fmt.Errorf("wire: cannot push unlabeled frame in front of labeled head")
	}
	*p = append(Packet{f}, *p...)
	return nil
}

// PushBack appends a frame, enforcing invariant C2: a labeled frame cannot
// be pushed behind an already-unlabeled tail.
func (p *Packet) PushBack(f Frame) error {
	if f.Label && len(*p) > 0 && !(*p)[len(*p)-1].Label {
		return fmt.Errorf("wire: cannot push labeled frame behind unlabeled tail")
	}
	*p = append(*p, f)
	return nil
}

// PopFront removes and returns the leading frame.
func (p *Packet) PopFront() Frame {
	f := (*p)[0]
	*p = (*p)[1:]
	return f
}

// Unseal splits the packet into its leading run of labeled frames (the
// routing envelope) and the remaining payload. After Unseal the payload's
// head frame, if any, is unlabeled.
func (p Packet) Unseal() (envelope, payload Packet) {
	i := 0
	for i < len(p) && p[i].Label {
		i++
	}
	return append(Packet{}, p[:i]...), append(Packet{}, p[i:]...)
}

// Seal prepends envelope frames to payload, marking each of them labeled
// regardless of their prior label state.
func Seal(payload, envelope Packet) Packet {
	sealed := make(Packet, 0, len(envelope)+len(payload))
	for _, f := range envelope {
		f.Label = true
		sealed = append(sealed, f)
	}
	sealed = append(sealed, payload...)
	return sealed
}

// Recv reads one packet from r: a uint8 frame count, followed by that many
// (label byte, uint32 big-endian length, payload) frames. r should
// typically be a *bufio.Reader wrapping the connection so the one-byte and
// five-byte header reads don't each incur a syscall.
func Recv(r io.Reader) (Packet, error) {
	var countBuf [1]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	count := int(countBuf[0])

	pkt := make(Packet, 0, count)
	for i := 0; i < count; i++ {
		var hdr [5]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("wire: reading frame header: %w", err)
		}
		label := hdr[0] != 0
		length := binary.BigEndian.Uint32(hdr[1:])
		if length > maxFrameLen {
			return nil, fmt.Errorf("wire: frame length %d exceeds limit", length)
		}
		data := make([]byte, length)
		if length > 0 {
			if _, err := io.ReadFull(r, data); err != nil {
				return nil, fmt.Errorf("wire: reading frame payload: %w", err)
			}
		}
		pkt = append(pkt, Frame{Label: label, Data: data})
	}
	return pkt, nil
}

// Send writes a packet as a uint8 frame count followed by each frame's
// (label byte, uint32 big-endian length, payload).
func Send(w io.Writer, p Packet) error {
	if len(p) > 255 {
		return fmt.Errorf("wire: packet has too many frames: %d", len(p))
	}
	buf := make([]byte, 0, 1+len(p)*5)
	buf = append(buf, byte(len(p)))
	for _, f := range p {
		var lbl byte
		if f.Label {
			lbl = 1
		}
		hdr := make([]byte, 5)
		hdr[0] = lbl
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(f.Data)))
		buf = append(buf, hdr...)
		buf = append(buf, f.Data...)
	}
	_, err := w.Write(buf)
	return err
}
