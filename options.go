package tables

import (
	"runtime"
)

// Mode selects how a file is opened.
type Mode int

const (
	// ReadOnly opens an existing file for reading. It is the default.
	ReadOnly Mode = iota
	// Append opens an existing file for reading and in-place modification.
	Append
)

func (m Mode) String() string {
	if m == Append {
		return "a"
	}
	return "r"
}

type options struct {
	mode      Mode
	logger    *Logger
	workers   int
	userBlock uint64
	exclusive bool
}

func defaultOptions() options {
	return options{
		mode:    ReadOnly,
		logger:  NoopLogger(),
		workers: runtime.GOMAXPROCS(0),
	}
}

// Option configures Open and Create.
type Option func(*options)

// WithMode sets the open mode. Create ignores it and always appends.
func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithLogger installs a logger. If nil is passed, logging is disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithDecodeWorkers limits how many chunks are decoded in parallel.
// Values below 1 decode on the calling goroutine only.
func WithDecodeWorkers(n int) Option {
	return func(o *options) {
		o.workers = max(n, 1)
	}
}

// WithUserBlock reserves size bytes in front of the HDF5 data of a new
// file. size must be 0 or a power of two of at least 512.
func WithUserBlock(size uint64) Option {
	return func(o *options) {
		o.userBlock = size
	}
}

// WithTruncate makes Create replace an existing file. It is the default.
func WithTruncate() Option {
	return func(o *options) {
		o.exclusive = false
	}
}

// WithExclusive makes Create fail when the file exists.
func WithExclusive() Option {
	return func(o *options) {
		o.exclusive = true
	}
}

type nodeOptions struct {
	title        string
	filters      *Filters
	chunkShape   []int64
	byteOrder    ByteOrder
	enum         *Enum
	contiguous   bool
	rows         [][]any
	expectedRows int64
}

func defaultNodeOptions() nodeOptions {
	return nodeOptions{byteOrder: LittleEndian, expectedRows: 10000}
}

// NodeOption configures node creation.
type NodeOption func(*nodeOptions)

// WithTitle sets the TITLE attribute.
func WithTitle(title string) NodeOption {
	return func(o *nodeOptions) {
		o.title = title
	}
}

// WithFilters sets the compression pipeline of a chunked dataset.
func WithFilters(f Filters) NodeOption {
	return func(o *nodeOptions) {
		o.filters = &f
	}
}

// WithChunkShape overrides the computed chunk shape.
func WithChunkShape(shape ...int64) NodeOption {
	return func(o *nodeOptions) {
		o.chunkShape = shape
	}
}

// WithByteOrder sets the byte order numbers are stored in.
func WithByteOrder(order ByteOrder) NodeOption {
	return func(o *nodeOptions) {
		o.byteOrder = order
	}
}

// WithEnum stores integer data as an HDF5 enumeration.
func WithEnum(e *Enum) NodeOption {
	return func(o *nodeOptions) {
		o.enum = e
	}
}

// WithContiguous creates a table with contiguous storage holding rows.
// Such a table cannot grow afterwards.
func WithContiguous(rows [][]any) NodeOption {
	return func(o *nodeOptions) {
		o.contiguous = true
		o.rows = rows
	}
}

// WithExpectedRows hints the final size of an extendable dataset; it
// drives the computed chunk shape.
func WithExpectedRows(n int64) NodeOption {
	return func(o *nodeOptions) {
		if n > 0 {
			o.expectedRows = n
		}
	}
}

type indexOptions struct {
	version   string
	sliceSize int
}

// IndexOption configures CreateIndex.
type IndexOption func(*indexOptions)

// WithIndexVersion selects the index layout, "2.0" or "2.1" (default).
func WithIndexVersion(v string) IndexOption {
	return func(o *indexOptions) {
		o.version = v
	}
}

// WithSliceSize sets the number of values per index slice.
func WithSliceSize(n int) IndexOption {
	return func(o *indexOptions) {
		o.sliceSize = n
	}
}
