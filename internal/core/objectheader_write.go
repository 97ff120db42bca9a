package core

import (
	"errors"
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// ErrHeaderFull is returned when a message cannot be added because the
// header has no free space left to place it or to chain a continuation.
var ErrHeaderFull = errors.New("object header has no free space")

// HeaderSlack is the NIL space new headers and continuation blocks carry
// so that attributes can be added later without moving the object.
const HeaderSlack = 256

// RawMessage is a message to place in a new header.
type RawMessage struct {
	Type  MessageType
	Flags uint8
	Data  []byte
}

// EncodeObjectHeader lays out a version 2 object header holding msgs
// followed by slack bytes of NIL space.
func EncodeObjectHeader(msgs []RawMessage, slack int) []byte {
	size := 0
	for _, m := range msgs {
		size += ohdrV2MsgHeader + len(m.Data)
	}
	if slack >= ohdrV2MsgHeader {
		size += slack
	}

	var flags uint8
	var width int
	switch {
	case size <= 0xff:
		flags, width = 0, 1
	case size <= 0xffff:
		flags, width = 1, 2
	default:
		flags, width = 2, 4
	}

	e := NewEncoder(DefaultFormat, 6+width+size+ohdrChecksumSize)
	e.Raw([]byte("OHDR"))
	e.U8(2)
	e.U8(flags)
	e.Uvar(uint64(size), width) //nolint:gosec // bounded above
	for _, m := range msgs {
		encodeV2MessageHeader(e, m.Type, len(m.Data), m.Flags)
		e.Raw(m.Data)
	}
	if slack >= ohdrV2MsgHeader {
		encodeV2MessageHeader(e, MsgNil, slack-ohdrV2MsgHeader, 0)
		e.Zeros(slack - ohdrV2MsgHeader)
	}
	e.Checksum()
	return e.buf
}

func encodeV2MessageHeader(e *Encoder, typ MessageType, size int, flags uint8) {
	e.U8(uint8(typ))    //nolint:gosec // v2 message types fit in a byte
	e.U16(uint16(size)) //nolint:gosec // message payloads are below 64KB
	e.U8(flags)
}

// WriteObjectHeader allocates and writes a new version 2 header.
func WriteObjectHeader(s Storage, msgs []RawMessage, slack int) (uint64, error) {
	for _, m := range msgs {
		if len(m.Data) > 0xffff {
			return 0, fmt.Errorf("message type %d of %d bytes exceeds 64KB", m.Type, len(m.Data))
		}
	}
	buf := EncodeObjectHeader(msgs, slack)
	addr, err := s.Allocate(uint64(len(buf)))
	if err != nil {
		return 0, err
	}
	if err := writeFull(s, buf, addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// encodeMessageHeader writes a message prefix for this header version.
func (oh *ObjectHeader) encodeMessageHeader(typ MessageType, size int, flags uint8) []byte {
	e := NewEncoder(oh.f, oh.msgHeaderSize())
	if oh.Version == 1 {
		e.U16(uint16(typ))
		e.U16(uint16(size)) //nolint:gosec // message payloads are below 64KB
		e.U8(flags)
		e.Zeros(3)
		return e.buf
	}
	encodeV2MessageHeader(e, typ, size, flags)
	if oh.Flags&ohdrCreationOrder != 0 {
		e.Zeros(2)
	}
	return e.buf
}

// patchChunk reads a whole header chunk, lets fn edit it and writes it
// back with a fresh checksum for version 2 headers. fn receives the chunk
// bytes and the file address of buf[0].
func (oh *ObjectHeader) patchChunk(s Storage, index int, fn func(buf []byte, base uint64)) error {
	chunk := oh.Chunks[index]
	r := NewReader(s, oh.f)
	buf, err := r.Read(chunk.Addr, int(chunk.Size)) //nolint:gosec // bounded when parsed
	if err != nil {
		return err
	}
	fn(buf, chunk.Addr)
	if oh.Version == 2 {
		body := buf[:len(buf)-ohdrChecksumSize]
		sum := utils.Checksum(body)
		buf[len(buf)-4] = byte(sum)
		buf[len(buf)-3] = byte(sum >> 8)
		buf[len(buf)-2] = byte(sum >> 16)
		buf[len(buf)-1] = byte(sum >> 24)
	}
	return writeFull(s, buf, chunk.Addr)
}

// reload re-reads the header from storage after an edit.
func (oh *ObjectHeader) reload(s Storage) error {
	fresh, err := ReadObjectHeader(NewReader(s, oh.f), oh.Addr)
	if err != nil {
		return err
	}
	*oh = *fresh
	return nil
}

// Update overwrites the payload of m in place. data may be shorter than
// the current payload; the remainder is zeroed.
func (oh *ObjectHeader) Update(s Storage, m *Message, data []byte) error {
	if len(data) > len(m.Data) {
		return fmt.Errorf("message type %d grows from %d to %d bytes", m.Type, len(m.Data), len(data))
	}
	err := oh.patchChunk(s, m.Chunk, func(buf []byte, base uint64) {
		off := m.Addr - base
		n := copy(buf[off:], data)
		clear(buf[off+uint64(n) : off+uint64(len(m.Data))])
	})
	if err != nil {
		return utils.WrapErrorAt("update message", m.Addr, err)
	}
	return oh.reload(s)
}

// Delete turns m into NIL space.
func (oh *ObjectHeader) Delete(s Storage, m *Message) error {
	err := oh.patchChunk(s, m.Chunk, func(buf []byte, base uint64) {
		off := m.HeaderAddr - base
		copy(buf[off:], oh.encodeMessageHeader(MsgNil, len(m.Data), 0))
		start := m.Addr - base
		clear(buf[start : start+uint64(len(m.Data))])
	})
	if err != nil {
		return utils.WrapErrorAt("delete message", m.Addr, err)
	}
	return oh.reload(s)
}

func (oh *ObjectHeader) continuationSize() int {
	n := oh.f.OffsetSize + oh.f.LengthSize
	if oh.Version == 1 {
		n = Padded8(n)
	}
	return n
}

// Add places a new message in NIL space, chaining a continuation block
// at the end of the file when no NIL message is large enough.
func (oh *ObjectHeader) Add(s Storage, typ MessageType, flags uint8, data []byte) error {
	if len(data) > 0xffff {
		return fmt.Errorf("message type %d of %d bytes exceeds 64KB", typ, len(data))
	}
	hdr := oh.msgHeaderSize()
	need := len(data)
	if oh.Version == 1 {
		need = Padded8(need)
	}
	contSize := oh.continuationSize()

	var nils []*Message
	for _, m := range oh.Messages {
		if m.Type == MsgNil {
			nils = append(nils, m)
		}
	}

	for _, m := range nils {
		size := len(m.Data)
		if size < need {
			continue
		}
		remainder := -1
		if size-need >= hdr {
			remainder = size - need - hdr
		}
		spare := remainder >= contSize
		for _, other := range nils {
			if other != m && len(other.Data) >= contSize {
				spare = true
			}
		}
		if !spare {
			continue
		}
		if err := oh.place(s, m, typ, flags, data, need, remainder); err != nil {
			return err
		}
		if remainder >= 0 {
			if err := oh.bumpV1Count(s, 1); err != nil {
				return err
			}
		}
		return oh.reload(s)
	}

	for _, m := range nils {
		if len(m.Data) < contSize {
			continue
		}
		if err := oh.chain(s, m, typ, flags, data, need); err != nil {
			return err
		}
		if err := oh.bumpV1Count(s, 2); err != nil {
			return err
		}
		return oh.reload(s)
	}
	return ErrHeaderFull
}

// place writes the message into NIL m, splitting off the remainder as a
// smaller NIL when remainder >= 0.
func (oh *ObjectHeader) place(s Storage, m *Message, typ MessageType, flags uint8, data []byte, need, remainder int) error {
	size := len(m.Data)
	if remainder >= 0 {
		size = need
	}
	hdr := oh.msgHeaderSize()
	return oh.patchChunk(s, m.Chunk, func(buf []byte, base uint64) {
		off := m.HeaderAddr - base
		copy(buf[off:], oh.encodeMessageHeader(typ, size, flags))
		payload := buf[off+uint64(hdr) : off+uint64(hdr+size)]
		clear(payload)
		copy(payload, data)
		if remainder >= 0 {
			next := off + uint64(hdr+size)
			copy(buf[next:], oh.encodeMessageHeader(MsgNil, remainder, 0))
			clear(buf[next+uint64(hdr) : next+uint64(hdr+remainder)])
		}
	})
}

// chain allocates a continuation block holding the new message plus
// HeaderSlack of NIL space, and turns NIL m into the continuation message.
func (oh *ObjectHeader) chain(s Storage, m *Message, typ MessageType, flags uint8, data []byte, need int) error {
	hdr := oh.msgHeaderSize()
	nilSize := max(HeaderSlack, oh.continuationSize())
	if oh.Version == 1 {
		nilSize = Padded8(nilSize)
	}

	e := NewEncoder(oh.f, need+nilSize+2*hdr+8)
	if oh.Version == 2 {
		e.Raw([]byte("OCHK"))
	}
	e.Raw(oh.encodeMessageHeader(typ, need, flags))
	e.Raw(data)
	e.Zeros(need - len(data))
	e.Raw(oh.encodeMessageHeader(MsgNil, nilSize, 0))
	e.Zeros(nilSize)
	if oh.Version == 2 {
		e.Checksum()
	}

	addr, err := s.Allocate(uint64(len(e.buf)))
	if err != nil {
		return err
	}
	if err := writeFull(s, e.buf, addr); err != nil {
		return err
	}

	cont := NewEncoder(oh.f, len(m.Data))
	cont.Addr(addr)
	cont.Length(uint64(len(e.buf)))
	return oh.patchChunk(s, m.Chunk, func(buf []byte, base uint64) {
		off := m.HeaderAddr - base
		copy(buf[off:], oh.encodeMessageHeader(MsgContinuation, len(m.Data), 0))
		payload := buf[off+uint64(hdr) : off+uint64(hdr+len(m.Data))]
		clear(payload)
		copy(payload, cont.buf)
	})
}

// bumpV1Count keeps the message count in a version 1 prefix in step with
// messages created by splitting or chaining.
func (oh *ObjectHeader) bumpV1Count(s Storage, delta int) error {
	if oh.Version != 1 {
		return nil
	}
	return oh.patchChunk(s, 0, func(buf []byte, _ uint64) {
		n := int(buf[2]) | int(buf[3])<<8
		n += delta
		buf[2] = byte(n)
		buf[3] = byte(n >> 8)
	})
}
