package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// MessageType identifies a header message.
type MessageType uint16

// Header message types.
const (
	MsgNil            MessageType = 0x00
	MsgDataspace      MessageType = 0x01
	MsgLinkInfo       MessageType = 0x02
	MsgDatatype       MessageType = 0x03
	MsgFillValueOld   MessageType = 0x04
	MsgFillValue      MessageType = 0x05
	MsgLink           MessageType = 0x06
	MsgExternalFiles  MessageType = 0x07
	MsgLayout         MessageType = 0x08
	MsgGroupInfo      MessageType = 0x0a
	MsgFilterPipeline MessageType = 0x0b
	MsgAttribute      MessageType = 0x0c
	MsgComment        MessageType = 0x0d
	MsgModTimeOld     MessageType = 0x0e
	MsgSharedTable    MessageType = 0x0f
	MsgContinuation   MessageType = 0x10
	MsgSymbolTable    MessageType = 0x11
	MsgModTime        MessageType = 0x12
	MsgBTreeK         MessageType = 0x13
	MsgAttributeInfo  MessageType = 0x15
	MsgRefCount       MessageType = 0x16
)

// Message flag bits.
const (
	MsgFlagConstant = 0x01
	MsgFlagShared   = 0x02
)

// Object header v2 flag bits.
const (
	ohdrChunkSizeMask  = 0x03
	ohdrCreationOrder  = 0x04
	ohdrPhaseChange    = 0x10
	ohdrStoreTimes     = 0x20
	ohdrV1Prefix       = 16
	ohdrV1MsgHeader    = 8
	ohdrV2MsgHeader    = 4
	ohdrChecksumSize   = 4
	maxHeaderChunkSize = 64 << 20
)

// Message is one header message and where it lives in the file.
type Message struct {
	Type  MessageType
	Flags uint8
	Data  []byte

	// Addr is the address of the message payload; HeaderAddr of its
	// header. Chunk indexes ObjectHeader.Chunks.
	Addr       uint64
	HeaderAddr uint64
	Chunk      int
}

// HeaderChunk is one contiguous block of header messages.
type HeaderChunk struct {
	Addr     uint64 // first byte of the block
	Size     uint64 // whole block, including any prefix and checksum
	MsgStart uint64 // first message header
	MsgEnd   uint64 // end of the message area
}

// ObjectHeader is a parsed object header.
type ObjectHeader struct {
	Addr     uint64
	Version  uint8
	Flags    uint8
	RefCount uint32
	Messages []*Message
	Chunks   []HeaderChunk

	f Format
}

// ReadObjectHeader parses the version 1 or 2 object header at addr,
// following continuation messages.
func ReadObjectHeader(r *Reader, addr uint64) (*ObjectHeader, error) {
	if addr == UndefinedAddress {
		return nil, fmt.Errorf("object header at undefined address")
	}
	prefix, err := r.Read(addr, 4)
	if err != nil {
		return nil, utils.WrapErrorAt("object header read failed", addr, err)
	}

	oh := &ObjectHeader{Addr: addr, f: r.Format}
	switch {
	case string(prefix) == "OHDR":
		err = oh.readV2(r)
	case prefix[0] == 1:
		err = oh.readV1(r)
	default:
		err = utils.Corruptf("unknown object header prefix % x", prefix)
	}
	if err != nil {
		return nil, utils.WrapErrorAt("object header", addr, err)
	}
	return oh, nil
}

func (oh *ObjectHeader) readV1(r *Reader) error {
	d, err := r.decoderAt(oh.Addr, ohdrV1Prefix)
	if err != nil {
		return err
	}
	oh.Version = d.U8()
	d.Skip(1)
	count := int(d.U16())
	oh.RefCount = d.U32()
	size := uint64(d.U32())
	if d.err != nil {
		return d.err
	}

	pending := []HeaderChunk{{
		Addr:     oh.Addr,
		Size:     ohdrV1Prefix + size,
		MsgStart: oh.Addr + ohdrV1Prefix,
		MsgEnd:   oh.Addr + ohdrV1Prefix + size,
	}}
	for len(pending) > 0 {
		chunk := pending[0]
		pending = pending[1:]
		conts, err := oh.readChunk(r, chunk)
		if err != nil {
			return err
		}
		for _, c := range conts {
			pending = append(pending, HeaderChunk{Addr: c[0], Size: c[1], MsgStart: c[0], MsgEnd: c[0] + c[1]})
		}
	}
	if len(oh.Messages) < count {
		// Trailing NIL padding is sometimes left out of the count; fewer
		// real messages than declared means the header is truncated.
		return utils.Corruptf("found %d of %d messages", len(oh.Messages), count)
	}
	return nil
}

func (oh *ObjectHeader) readV2(r *Reader) error {
	head, err := r.Read(oh.Addr, 6)
	if err != nil {
		return err
	}
	oh.Version = head[4]
	oh.Flags = head[5]
	if oh.Version != 2 {
		return fmt.Errorf("unsupported object header version %d", oh.Version)
	}

	fixed := 6
	if oh.Flags&ohdrStoreTimes != 0 {
		fixed += 16
	}
	if oh.Flags&ohdrPhaseChange != 0 {
		fixed += 4
	}
	width := 1 << (oh.Flags & ohdrChunkSizeMask)
	d, err := r.decoderAt(oh.Addr, fixed+width)
	if err != nil {
		return err
	}
	d.Skip(fixed)
	size := d.Uvar(width)
	if d.err != nil {
		return d.err
	}
	if size > maxHeaderChunkSize {
		return utils.Corruptf("header chunk of %d bytes", size)
	}

	start := oh.Addr + uint64(fixed+width) //nolint:gosec // small prefix
	pending := []HeaderChunk{{
		Addr:     oh.Addr,
		Size:     uint64(fixed+width) + size + ohdrChecksumSize, //nolint:gosec // small prefix
		MsgStart: start,
		MsgEnd:   start + size,
	}}
	for len(pending) > 0 {
		chunk := pending[0]
		pending = pending[1:]
		sig := "OCHK"
		if chunk.Addr == oh.Addr {
			sig = "OHDR"
		}
		if err := verifyChunkChecksum(r, chunk, sig); err != nil {
			return err
		}
		conts, err := oh.readChunk(r, chunk)
		if err != nil {
			return err
		}
		for _, c := range conts {
			if c[1] < 8 {
				return utils.Corruptf("continuation block of %d bytes", c[1])
			}
			pending = append(pending, HeaderChunk{
				Addr:     c[0],
				Size:     c[1],
				MsgStart: c[0] + 4,
				MsgEnd:   c[0] + c[1] - ohdrChecksumSize,
			})
		}
	}
	return nil
}

func verifyChunkChecksum(r *Reader, chunk HeaderChunk, sig string) error {
	if chunk.Size > maxHeaderChunkSize {
		return utils.Corruptf("header chunk of %d bytes", chunk.Size)
	}
	buf, err := r.Read(chunk.Addr, int(chunk.Size))
	if err != nil {
		return err
	}
	if string(buf[:4]) != sig {
		return utils.Corruptf("header chunk signature %q, want %q", buf[:4], sig)
	}
	body := buf[:len(buf)-ohdrChecksumSize]
	stored := uint32(decodeUint(buf[len(buf)-ohdrChecksumSize:]))
	if sum := utils.Checksum(body); sum != stored {
		return utils.WrapErrorAt("header chunk", chunk.Addr,
			fmt.Errorf("checksum mismatch: stored 0x%08x, computed 0x%08x", stored, sum))
	}
	return nil
}

// msgHeaderSize is the per-message prefix for this header version.
func (oh *ObjectHeader) msgHeaderSize() int {
	if oh.Version == 1 {
		return ohdrV1MsgHeader
	}
	if oh.Flags&ohdrCreationOrder != 0 {
		return ohdrV2MsgHeader + 2
	}
	return ohdrV2MsgHeader
}

// readChunk appends the chunk's messages and returns the continuation
// blocks it references as (address, length) pairs.
func (oh *ObjectHeader) readChunk(r *Reader, chunk HeaderChunk) ([][2]uint64, error) {
	if chunk.MsgEnd < chunk.MsgStart || chunk.MsgEnd-chunk.MsgStart > maxHeaderChunkSize {
		return nil, utils.Corruptf("header chunk bounds 0x%x-0x%x", chunk.MsgStart, chunk.MsgEnd)
	}
	buf, err := r.Read(chunk.MsgStart, int(chunk.MsgEnd-chunk.MsgStart))
	if err != nil {
		return nil, err
	}
	index := len(oh.Chunks)
	oh.Chunks = append(oh.Chunks, chunk)

	hdr := oh.msgHeaderSize()
	d := NewDecoder(buf, r.Format)
	var conts [][2]uint64
	for d.Remaining() >= hdr {
		at := d.pos
		var typ MessageType
		var size int
		var flags uint8
		if oh.Version == 1 {
			typ = MessageType(d.U16())
			size = int(d.U16())
			flags = d.U8()
			d.Skip(3)
		} else {
			typ = MessageType(d.U8())
			size = int(d.U16())
			flags = d.U8()
			if oh.Flags&ohdrCreationOrder != 0 {
				d.Skip(2)
			}
		}
		data := d.Bytes(size)
		if d.err != nil {
			return nil, utils.WrapError(fmt.Sprintf("message type %d", typ), d.err)
		}
		msg := &Message{
			Type:       typ,
			Flags:      flags,
			Data:       data,
			HeaderAddr: chunk.MsgStart + uint64(at),     //nolint:gosec // offset within chunk
			Addr:       chunk.MsgStart + uint64(at+hdr), //nolint:gosec // offset within chunk
			Chunk:      index,
		}
		oh.Messages = append(oh.Messages, msg)

		if typ == MsgContinuation {
			cd := NewDecoder(data, r.Format)
			addr := cd.Addr()
			length := cd.Length()
			if cd.err != nil {
				return nil, utils.WrapError("continuation message", cd.err)
			}
			conts = append(conts, [2]uint64{addr, length})
		}
	}
	return conts, nil
}

// Find returns the first message of the given type, or nil.
func (oh *ObjectHeader) Find(typ MessageType) *Message {
	for _, m := range oh.Messages {
		if m.Type == typ {
			return m
		}
	}
	return nil
}

// FindAll returns every message of the given type in header order.
func (oh *ObjectHeader) FindAll(typ MessageType) []*Message {
	var out []*Message
	for _, m := range oh.Messages {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

// IsGroup reports whether the header describes a group.
func (oh *ObjectHeader) IsGroup() bool {
	return oh.Find(MsgSymbolTable) != nil || oh.Find(MsgLinkInfo) != nil ||
		(oh.Find(MsgLink) != nil && oh.Find(MsgDataspace) == nil)
}

// IsDataset reports whether the header describes a dataset.
func (oh *ObjectHeader) IsDataset() bool {
	return oh.Find(MsgDataspace) != nil && oh.Find(MsgLayout) != nil
}

// IsCommittedDatatype reports a named datatype object.
func (oh *ObjectHeader) IsCommittedDatatype() bool {
	return oh.Find(MsgDatatype) != nil && oh.Find(MsgDataspace) == nil
}
