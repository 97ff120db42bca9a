// Package tables reads and writes PyTables-compatible HDF5 files in pure
// Go: groups, homogeneous arrays (Array, CArray, EArray) and tables of
// compound records, with column indexes and condition queries.
package tables

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/utils"
	"github.com/scigolib/tables/internal/writer"
)

// PyTables format attributes written on new files.
const (
	formatVersion = "2.1"
	groupVersion  = "1.0"
)

// maxLinkDepth bounds soft link chains.
const maxLinkDepth = 16

// File is an open HDF5 file.
type File struct {
	path string
	mode Mode
	opts options
	log  *Logger

	mu      sync.RWMutex // guards closed
	wmu     sync.Mutex   // serializes modifications
	cmu     sync.Mutex   // guards the caches below
	osFile  *os.File
	sb      *core.Superblock
	reader  *core.Reader
	w       *writer.FileWriter // nil when read-only
	heap    *core.GlobalHeap
	root    *Group
	closed  bool
	headers map[uint64]*core.ObjectHeader
	sets    map[uint64]*core.Dataset
	nodes   map[string]Node
}

// Open opens an existing file. Without options it is read-only.
func Open(path string, opts ...Option) (*File, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	flag := os.O_RDONLY
	if o.mode == Append {
		flag = os.O_RDWR
	}
	//nolint:gosec // G304: opening user-provided paths is the purpose
	osf, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, utils.WrapError("file open failed", err)
	}
	fi, err := osf.Stat()
	if err != nil {
		_ = osf.Close()
		return nil, utils.WrapError("file stat failed", err)
	}
	sb, err := core.FindSuperblock(osf, fi.Size())
	if err != nil {
		_ = osf.Close()
		return nil, err
	}

	f := newFile(path, o, osf, sb)
	size := uint64(fi.Size()) //nolint:gosec // G115: sizes are non-negative
	if size < sb.BaseAddress {
		_ = osf.Close()
		return nil, utils.Corruptf("base address %d beyond file size %d", sb.BaseAddress, size)
	}
	if o.mode == Append {
		eof := max(sb.EOFAddress, size-sb.BaseAddress)
		f.w = writer.OpenFileWriter(osf, sb.BaseAddress, eof)
		f.reader = core.NewReader(f.w, sb.Format)
	} else {
		//nolint:gosec // G115: offsets fit in int64
		src := io.NewSectionReader(osf, int64(sb.BaseAddress), int64(size-sb.BaseAddress))
		f.reader = core.NewReader(src, sb.Format)
	}
	f.heap = core.NewGlobalHeap(f.reader)

	if err := f.loadRoot(); err != nil {
		_ = osf.Close()
		return nil, err
	}
	f.log.Debug("file opened", "mode", o.mode.String(), "superblock", sb.Version, "base", sb.BaseAddress)
	return f, nil
}

// Create makes a new file and opens it in Append mode.
func Create(path string, opts ...Option) (*File, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.mode = Append
	if ub := o.userBlock; ub != 0 && (ub < 512 || ub&(ub-1) != 0) {
		return nil, fmt.Errorf("user block size %d is not a power of two of at least 512", ub)
	}

	mode := writer.ModeTruncate
	if o.exclusive {
		mode = writer.ModeExclusive
	}
	sbSize := uint64(core.SuperblockV2Size(core.DefaultFormat)) //nolint:gosec // small constant
	w, err := writer.NewFileWriter(path, mode, o.userBlock, sbSize)
	if err != nil {
		return nil, err
	}

	sb := core.NewSuperblock(o.userBlock)
	msgs := groupMessages(core.DefaultFormat)
	msgs = append(msgs, classAttrs(core.DefaultFormat, "GROUP", groupVersion, "")...)
	msgs = append(msgs, stringAttr(core.DefaultFormat, "PYTABLES_FORMAT_VERSION", formatVersion))
	rootAddr, err := core.WriteObjectHeader(w, msgs, core.HeaderSlack)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	sb.RootAddress = rootAddr
	sb.EOFAddress = w.EndOfFile()
	buf, err := sb.Encode()
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if _, err := w.WriteAt(buf, 0); err != nil {
		_ = w.Close()
		return nil, err
	}

	f := newFile(path, o, w.File(), sb)
	f.w = w
	f.reader = core.NewReader(w, sb.Format)
	f.heap = core.NewGlobalHeap(f.reader)
	if err := f.loadRoot(); err != nil {
		_ = w.Close()
		return nil, err
	}
	f.log.Debug("file created", "user_block", o.userBlock)
	return f, nil
}

func newFile(path string, o options, osf *os.File, sb *core.Superblock) *File {
	return &File{
		path:    path,
		mode:    o.mode,
		opts:    o,
		log:     o.logger.WithFile(path),
		osFile:  osf,
		sb:      sb,
		headers: make(map[uint64]*core.ObjectHeader),
		sets:    make(map[uint64]*core.Dataset),
		nodes:   make(map[string]Node),
	}
}

func (f *File) loadRoot() error {
	n, err := f.loadNode(f.sb.RootAddress, "/")
	if err != nil {
		return utils.WrapError("root group load failed", err)
	}
	switch root := n.(type) {
	case *Group:
		f.root = root
	case *Unknown:
		// Version 0 superblocks cache the root symbol table; some writers
		// leave the root header without one.
		if f.sb.RootBTree == core.UndefinedAddress {
			return errors.New("root object is not a group")
		}
		f.root = &Group{node: root.node}
		f.root.kind = KindGroup
		f.cmu.Lock()
		f.nodes["/"] = f.root
		f.cmu.Unlock()
	default:
		return fmt.Errorf("root object is a %s, not a group", n.Kind())
	}
	return nil
}

// Path returns the file name passed to Open or Create.
func (f *File) Path() string { return f.path }

// Mode returns the open mode.
func (f *File) Mode() Mode { return f.mode }

// SuperblockVersion returns the format version of the superblock.
func (f *File) SuperblockVersion() uint8 { return f.sb.Version }

// UserBlock returns the number of bytes in front of the HDF5 data.
func (f *File) UserBlock() uint64 { return f.sb.BaseAddress }

// Root returns the root group.
func (f *File) Root() *Group { return f.root }

// GetNode returns the node at where, or at where joined with name.
func (f *File) GetNode(where string, name ...string) (Node, error) {
	if err := f.checkOpen(); err != nil {
		return nil, err
	}
	p, err := joinPath(where, name...)
	if err != nil {
		return nil, err
	}
	return f.resolve(p, 0)
}

// Contains reports whether a node exists at path.
func (f *File) Contains(path string) bool {
	_, err := f.GetNode(path)
	return err == nil
}

// resolve walks an absolute path from the root, following soft links.
func (f *File) resolve(p string, depth int) (Node, error) {
	if depth > maxLinkDepth {
		return nil, fmt.Errorf("%w: soft link chain too deep at %s", ErrNodeNotFound, p)
	}
	var n Node = f.root
	if p == "/" {
		return n, nil
	}
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		g, ok := n.(*Group)
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s is not a group)", ErrNodeNotFound, p, n.Path())
		}
		child, err := g.child(part, depth)
		if err != nil {
			return nil, err
		}
		n = child
	}
	return n, nil
}

// Walk calls fn for every node, depth first from the root, with the
// children of each group in name order. Links that cannot be followed
// are skipped.
func (f *File) Walk(fn func(Node) error) error {
	if err := f.checkOpen(); err != nil {
		return err
	}
	return walk(f.root, fn)
}

func walk(n Node, fn func(Node) error) error {
	if err := fn(n); err != nil {
		return err
	}
	g, ok := n.(*Group)
	if !ok {
		return nil
	}
	children, err := g.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := walk(c, fn); err != nil {
			return err
		}
	}
	return nil
}

// Flush records the end of file in the superblock and syncs to disk.
func (f *File) Flush() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	if f.w == nil {
		return nil
	}
	if err := f.commit(); err != nil {
		return err
	}
	return f.w.Flush()
}

// commit checks the allocations of this session and publishes the new
// end-of-file address in the superblock.
func (f *File) commit() error {
	a := f.w.Allocator()
	if err := a.ValidateNoOverlaps(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	f.log.Debug("commit", "allocations", len(a.Blocks()), "eof", f.w.EndOfFile())
	return f.sb.CommitEOF(f.osFile, f.w.EndOfFile())
}

// Close releases the file. In Append mode the end-of-file address is
// committed first. Closing twice is not an error.
func (f *File) Close() error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var errs []error
	if f.w != nil {
		errs = append(errs, f.commit(), f.w.Close())
	} else {
		errs = append(errs, f.osFile.Close())
	}
	f.log.Debug("file closed")
	return errors.Join(errs...)
}

func (f *File) checkOpen() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	return nil
}

// beginWrite takes the write lock and returns the writable file. The
// caller must call the returned func when done.
func (f *File) beginWrite() (core.Storage, func(), error) {
	if err := f.checkOpen(); err != nil {
		return nil, nil, err
	}
	if f.w == nil {
		return nil, nil, ErrReadOnly
	}
	f.wmu.Lock()
	if err := f.checkOpen(); err != nil {
		f.wmu.Unlock()
		return nil, nil, err
	}
	return f.w, f.wmu.Unlock, nil
}

// header returns the object header at addr, reading it once.
func (f *File) header(addr uint64) (*core.ObjectHeader, error) {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	if oh, ok := f.headers[addr]; ok {
		return oh, nil
	}
	oh, err := core.ReadObjectHeader(f.reader, addr)
	if err != nil {
		return nil, err
	}
	f.headers[addr] = oh
	return oh, nil
}

// dataset returns the decoded dataset behind a header, shared by every
// node that reaches it.
func (f *File) dataset(oh *core.ObjectHeader) (*core.Dataset, error) {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	if ds, ok := f.sets[oh.Addr]; ok {
		return ds, nil
	}
	ds, err := core.LoadDataset(f.reader, oh)
	if err != nil {
		return nil, err
	}
	if f.sb.ChunkK != 0 {
		ds.ChunkK = int(f.sb.ChunkK)
	}
	f.sets[oh.Addr] = ds
	return ds, nil
}

func (f *File) cachedNode(p string) (Node, bool) {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	n, ok := f.nodes[p]
	return n, ok
}

func (f *File) cacheNode(p string, n Node) Node {
	f.cmu.Lock()
	defer f.cmu.Unlock()
	if prev, ok := f.nodes[p]; ok {
		return prev
	}
	f.nodes[p] = n
	return n
}
