package core

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scigolib/tables/internal/filters"
	"github.com/scigolib/tables/internal/utils"
)

// Dataset is a dataset object header with its storage messages decoded.
type Dataset struct {
	Header   *ObjectHeader
	Type     *Datatype
	Space    *Dataspace
	Layout   *Layout
	Pipeline *FilterPipeline // nil without filters
	Fill     *FillValue      // nil without a fill value message

	// ChunkK is the rank used when the chunk B-tree is rebuilt.
	ChunkK int

	f      Format
	mu     sync.Mutex
	chunks []ChunkRef
	loaded bool
}

// LoadDataset decodes the storage messages of a dataset header.
func LoadDataset(r *Reader, oh *ObjectHeader) (*Dataset, error) {
	ds := &Dataset{Header: oh, f: r.Format, ChunkK: DefaultChunkK}
	if err := ds.decode(r); err != nil {
		return nil, utils.WrapErrorAt("dataset", oh.Addr, err)
	}
	return ds, nil
}

func (ds *Dataset) decode(r *Reader) error {
	oh := ds.Header
	m := oh.Find(MsgDatatype)
	if m == nil {
		return utils.Corruptf("no datatype message")
	}
	var err error
	if m.Flags&MsgFlagShared != 0 {
		ds.Type, err = ReadSharedDatatype(r, m.Data)
	} else {
		ds.Type, _, err = ParseDatatype(m.Data)
	}
	if err != nil {
		return err
	}

	if m = oh.Find(MsgDataspace); m == nil {
		return utils.Corruptf("no dataspace message")
	}
	if ds.Space, err = ParseDataspace(m.Data, r.Format); err != nil {
		return err
	}

	if m = oh.Find(MsgLayout); m == nil {
		return utils.Corruptf("no layout message")
	}
	if ds.Layout, err = ParseLayout(m.Data, r.Format); err != nil {
		return err
	}

	if m = oh.Find(MsgFilterPipeline); m != nil {
		if ds.Pipeline, err = ParseFilterPipeline(m.Data); err != nil {
			return err
		}
	}
	if m = oh.Find(MsgFillValue); m != nil {
		ds.Fill, err = ParseFillValue(m.Data)
	} else if m = oh.Find(MsgFillValueOld); m != nil {
		ds.Fill, err = ParseFillValueOld(m.Data)
	}
	return err
}

// ElemSize returns the size of one element in bytes.
func (ds *Dataset) ElemSize() uint64 {
	return uint64(ds.Type.Size)
}

// Extent returns the dimensions, treating a scalar as one element.
func (ds *Dataset) Extent() []uint64 {
	if len(ds.Space.Dims) == 0 {
		if ds.Space.Kind == DataspaceNull {
			return []uint64{0}
		}
		return []uint64{1}
	}
	return ds.Space.Dims
}

// RowSize returns the bytes of one slab along the first dimension.
func (ds *Dataset) RowSize() uint64 {
	n := ds.ElemSize()
	for _, v := range ds.Extent()[1:] {
		n *= v
	}
	return n
}

func (ds *Dataset) stages() []filters.Stage {
	if ds.Pipeline == nil {
		return nil
	}
	return ds.Pipeline.Stages
}

func (ds *Dataset) fillPattern() []byte {
	if ds.Fill == nil || !ds.Fill.Defined || uint64(len(ds.Fill.Value)) != ds.ElemSize() {
		return nil
	}
	return ds.Fill.Value
}

// fill writes the fill value over buf; zeros when none is defined.
func (ds *Dataset) fill(buf []byte) {
	pat := ds.fillPattern()
	if pat == nil {
		clear(buf)
		return
	}
	for i := 0; i+len(pat) <= len(buf); i += len(pat) {
		copy(buf[i:], pat)
	}
}

// Chunks lists the stored chunks, loading the index on first use.
func (ds *Dataset) Chunks(r *Reader) ([]ChunkRef, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.loaded {
		return ds.chunks, nil
	}
	chunks, err := ReadChunkIndex(r, ds.Layout, ds.Space, len(ds.stages()) > 0)
	if err != nil {
		return nil, err
	}
	ds.chunks, ds.loaded = chunks, true
	return chunks, nil
}

// ReadRows returns rows [start, stop) along the first dimension in file
// byte order. Chunks are decoded by up to workers goroutines.
func (ds *Dataset) ReadRows(ctx context.Context, r *Reader, start, stop uint64, workers int) ([]byte, error) {
	extent := ds.Extent()
	if start > stop || stop > extent[0] {
		return nil, fmt.Errorf("rows [%d, %d) outside extent %d", start, stop, extent[0])
	}
	shape := slices.Clone(extent)
	shape[0] = stop - start
	size, err := utils.ByteSize(shape, ds.ElemSize(), utils.MaxReadSize)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	rowSize := ds.RowSize()

	l := ds.Layout
	switch l.Class {
	case LayoutCompact:
		ds.fill(out)
		lo := min(start*rowSize, uint64(len(l.CompactData)))
		hi := min(stop*rowSize, uint64(len(l.CompactData)))
		copy(out, l.CompactData[lo:hi])
	case LayoutContiguous:
		if l.Address == UndefinedAddress {
			ds.fill(out)
			break
		}
		if err := r.readFull(out, l.Address+start*rowSize); err != nil {
			return nil, err
		}
	case LayoutChunked:
		if err := ds.readChunked(ctx, r, start, out, shape, workers); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cannot read %s layout", l.Class)
	}
	return out, nil
}

func (ds *Dataset) readChunked(ctx context.Context, r *Reader, start uint64, out []byte, shape []uint64, workers int) error {
	if len(ds.Layout.ChunkDims) != len(shape) {
		return utils.Corruptf("chunk rank %d, dataspace rank %d", len(ds.Layout.ChunkDims), len(shape))
	}
	ds.fill(out)
	chunks, err := ds.Chunks(r)
	if err != nil {
		return err
	}
	origin := make([]uint64, len(shape))
	origin[0] = start
	chunkDims := ds.Layout.ChunkDims
	elem := ds.ElemSize()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for _, c := range chunks {
		lo, count, ok := intersect(origin, shape, c.Offset, chunkDims)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := ds.decodeChunk(r, c)
			if err != nil {
				return err
			}
			return copyBox(out, shape, sub(lo, origin), data, chunkDims, sub(lo, c.Offset), count, elem)
		})
	}
	return g.Wait()
}

func (ds *Dataset) decodeChunk(r *Reader, c ChunkRef) ([]byte, error) {
	chunkSize := ds.Layout.chunkBytes()
	if uint64(c.Size) > utils.MaxChunkSize || chunkSize > utils.MaxChunkSize {
		return nil, utils.Corruptf("chunk of %d bytes at 0x%x", c.Size, c.Addr)
	}
	raw, err := r.readPooled(c.Addr, int(c.Size))
	if err != nil {
		return nil, err
	}
	data, err := filters.Decode(ds.stages(), c.FilterMask, int(ds.ElemSize()), int(chunkSize), raw) //nolint:gosec // bounded above
	if !sameStart(data, raw) {
		utils.ReleaseBuffer(raw)
	}
	if err != nil {
		return nil, utils.WrapErrorAt("chunk", c.Addr, err)
	}
	if uint64(len(data)) < chunkSize {
		return nil, utils.Corruptf("chunk at 0x%x decodes to %d bytes, want %d", c.Addr, len(data), chunkSize)
	}
	return data, nil
}

// sameStart reports whether a filter handed back (a prefix of) its input.
func sameStart(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// intersect clips the chunk box at offset against the request box.
func intersect(origin, shape, offset, chunkDims []uint64) (lo, count []uint64, ok bool) {
	lo = make([]uint64, len(origin))
	count = make([]uint64, len(origin))
	for i := range origin {
		a := max(origin[i], offset[i])
		b := min(origin[i]+shape[i], offset[i]+chunkDims[i])
		if a >= b {
			return nil, nil, false
		}
		lo[i], count[i] = a, b-a
	}
	return lo, count, true
}

func sub(a, b []uint64) []uint64 {
	out := make([]uint64, len(a))
	for i := range a {
		out[i] = a[i] - b[i]
	}
	return out
}

// copyBox copies a box of extent count from src (an array of srcShape,
// box at srcOff) into dst (an array of dstShape, box at dstOff).
func copyBox(dst []byte, dstShape, dstOff []uint64, src []byte, srcShape, srcOff, count []uint64, elem uint64) error {
	n := len(count)
	dstStrides := strides(dstShape, elem)
	srcStrides := strides(srcShape, elem)
	run := count[n-1] * elem

	var walk func(dim int, d, s uint64) error
	walk = func(dim int, d, s uint64) error {
		d += dstOff[dim] * dstStrides[dim]
		s += srcOff[dim] * srcStrides[dim]
		if dim == n-1 {
			if d+run > uint64(len(dst)) || s+run > uint64(len(src)) {
				return utils.Corruptf("copy of %d bytes out of range", run)
			}
			copy(dst[d:d+run], src[s:s+run])
			return nil
		}
		for i := uint64(0); i < count[dim]; i++ {
			if err := walk(dim+1, d+i*dstStrides[dim], s+i*srcStrides[dim]); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(0, 0, 0)
}

func strides(shape []uint64, elem uint64) []uint64 {
	out := make([]uint64, len(shape))
	acc := elem
	for i := len(shape) - 1; i >= 0; i-- {
		out[i] = acc
		acc *= shape[i]
	}
	return out
}

// Extend sets the first dimension to rows, rewriting the dataspace in
// place.
func (ds *Dataset) Extend(s Storage, rows uint64) error {
	if ds.Space.Rank() == 0 {
		return fmt.Errorf("scalar dataset cannot be extended")
	}
	if ds.Space.MaxDims != nil && ds.Space.MaxDims[0] != Unlimited && rows > ds.Space.MaxDims[0] {
		return fmt.Errorf("extent %d exceeds maximum %d", rows, ds.Space.MaxDims[0])
	}
	space := *ds.Space
	space.Dims = slices.Clone(ds.Space.Dims)
	space.Dims[0] = rows
	m := ds.Header.Find(MsgDataspace)
	if err := ds.Header.Update(s, m, space.Encode(ds.f)); err != nil {
		return err
	}
	ds.Space = &space
	return nil
}

// WriteRows stores rows starting at start. The extent must already cover
// them. Partial chunks are read, merged and rewritten at the end of the
// file, and the chunk B-tree is rebuilt.
func (ds *Dataset) WriteRows(s Storage, start uint64, data []byte) error {
	rowSize := ds.RowSize()
	if rowSize == 0 || uint64(len(data))%rowSize != 0 {
		return fmt.Errorf("%d bytes is not a whole number of %d byte rows", len(data), rowSize)
	}
	stop := start + uint64(len(data))/rowSize
	if stop > ds.Extent()[0] {
		return fmt.Errorf("rows [%d, %d) outside extent %d", start, stop, ds.Extent()[0])
	}

	l := ds.Layout
	switch l.Class {
	case LayoutContiguous:
		if l.Address == UndefinedAddress {
			return fmt.Errorf("contiguous dataset has no storage")
		}
		return writeFull(s, data, l.Address+start*rowSize)
	case LayoutChunked:
		return ds.writeChunked(s, start, stop, data)
	default:
		return fmt.Errorf("cannot write %s layout", l.Class)
	}
}

func (ds *Dataset) writeChunked(s Storage, start, stop uint64, data []byte) error {
	l := ds.Layout
	if l.IndexType != IndexBTreeV1 {
		return fmt.Errorf("chunk index type %d is read-only", l.IndexType)
	}
	r := NewReader(s, ds.f)
	existing, err := ds.Chunks(r)
	if err != nil {
		return err
	}
	chunks := slices.Clone(existing)
	byOrigin := make(map[string]int, len(chunks))
	for i, c := range chunks {
		byOrigin[fmt.Sprint(c.Offset)] = i
	}

	shape := slices.Clone(ds.Extent())
	shape[0] = stop - start
	origin := make([]uint64, len(shape))
	origin[0] = start
	elem := ds.ElemSize()
	chunkSize := l.chunkBytes()

	// Chunk origins covering the rows, row-major.
	grid := make([]uint64, len(shape))
	first := make([]uint64, len(shape))
	for i, c := range l.ChunkDims {
		first[i] = origin[i] / c * c
		grid[i] = (origin[i] + shape[i] - first[i] + c - 1) / c
	}

	var werr error
	forEachChunk(l, grid, func(_ int, offset []uint64) {
		if werr != nil {
			return
		}
		for i := range offset {
			offset[i] += first[i]
		}
		lo, count, ok := intersect(origin, shape, offset, l.ChunkDims)
		if !ok {
			return
		}
		key := fmt.Sprint(offset)
		idx, found := byOrigin[key]

		var buf []byte
		if found && !slices.Equal(count, l.ChunkDims) {
			if buf, werr = ds.decodeChunk(r, chunks[idx]); werr != nil {
				return
			}
			buf = buf[:chunkSize]
		} else {
			buf = make([]byte, chunkSize)
			ds.fill(buf)
		}
		if werr = copyBox(buf, l.ChunkDims, sub(lo, offset), data, shape, sub(lo, origin), count, elem); werr != nil {
			return
		}

		payload, mask, err := filters.Encode(ds.stages(), int(elem), buf) //nolint:gosec // element sizes are small
		if err != nil {
			werr = err
			return
		}
		addr, err := s.Allocate(uint64(len(payload)))
		if err != nil {
			werr = err
			return
		}
		if werr = writeFull(s, payload, addr); werr != nil {
			return
		}
		ref := ChunkRef{Offset: offset, Addr: addr, Size: uint32(len(payload)), FilterMask: mask} //nolint:gosec // chunk sizes are bounded
		if found {
			chunks[idx] = ref
		} else {
			byOrigin[key] = len(chunks)
			chunks = append(chunks, ref)
		}
	})
	if werr != nil {
		return werr
	}

	root, err := WriteChunkBTree(s, ds.f, chunks, len(shape), l.ChunkDims, ds.ChunkK)
	if err != nil {
		return err
	}
	m := ds.Header.Find(MsgLayout)
	patched, err := l.PatchAddress(m.Data, ds.f, root)
	if err != nil {
		return err
	}
	if err := ds.Header.Update(s, m, patched); err != nil {
		return err
	}

	ds.mu.Lock()
	ds.chunks, ds.loaded = chunks, true
	ds.mu.Unlock()
	return nil
}

// DatasetMessages assembles the header messages of a new dataset.
// pipeline and fill may be nil.
func DatasetMessages(f Format, dt *Datatype, space *Dataspace, layout *Layout, pipeline *FilterPipeline, fill *FillValue) ([]RawMessage, error) {
	lb, err := layout.Encode(f)
	if err != nil {
		return nil, err
	}
	msgs := []RawMessage{
		{Type: MsgDataspace, Data: space.Encode(f)},
		{Type: MsgDatatype, Flags: MsgFlagConstant, Data: dt.Encode()},
	}
	if fill == nil {
		fill = &FillValue{AllocTime: AllocIncremental, WriteTime: FillWriteIfSet}
		if layout.Class != LayoutChunked {
			fill.AllocTime = AllocLate
		}
	}
	msgs = append(msgs, RawMessage{Type: MsgFillValue, Flags: MsgFlagConstant, Data: fill.Encode()})
	if pipeline != nil && len(pipeline.Stages) > 0 {
		msgs = append(msgs, RawMessage{Type: MsgFilterPipeline, Flags: MsgFlagConstant, Data: pipeline.Encode()})
	}
	msgs = append(msgs, RawMessage{Type: MsgLayout, Data: lb})
	return msgs, nil
}
