// Package filters implements the HDF5 filter pipeline: the per-chunk codecs
// (deflate, shuffle, fletcher32, lzf, bzip2, zstd, lz4) and the logic that
// runs them forward on write and in reverse on read.
package filters

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Well-known filter identifiers.
const (
	Deflate     uint16 = 1
	Shuffle     uint16 = 2
	Fletcher32  uint16 = 3
	Szip        uint16 = 4
	NBit        uint16 = 5
	ScaleOffset uint16 = 6
	BZip2       uint16 = 307
	LZF         uint16 = 32000
	Blosc       uint16 = 32001
	LZ4         uint16 = 32004
	Zstd        uint16 = 32015
)

var knownNames = map[uint16]string{
	Deflate:     "deflate",
	Shuffle:     "shuffle",
	Fletcher32:  "fletcher32",
	Szip:        "szip",
	NBit:        "nbit",
	ScaleOffset: "scaleoffset",
	BZip2:       "bzip2",
	LZF:         "lzf",
	Blosc:       "blosc",
	LZ4:         "lz4",
	Zstd:        "zstd",
}

// KnownName returns the conventional name of a filter id, or "" when the
// id is not one of the registered HDF5 filters this package knows about.
func KnownName(id uint16) string {
	return knownNames[id]
}

// ErrChecksum is returned when a fletcher32 checksum does not match.
var ErrChecksum = errors.New("filter checksum mismatch")

// UnsupportedError reports a filter that cannot run in the requested
// direction. Szip and blosc metadata is understood, their data is not.
type UnsupportedError struct {
	ID   uint16
	Name string
	Op   string
}

func (e *UnsupportedError) Error() string {
	name := e.Name
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("filter %s (id %d): %s not supported", name, e.ID, e.Op)
}

// Params carries the per-call context a codec may need.
type Params struct {
	ClientData  []uint32
	ElementSize int // datatype size in bytes
	ChunkSize   int // uncompressed chunk size in bytes
}

// Codec transforms one chunk in one pipeline stage.
type Codec interface {
	ID() uint16
	Name() string
	Encode(p Params, data []byte) ([]byte, error)
	Decode(p Params, data []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[uint16]Codec{}
)

// Register makes a codec available to pipelines. Registering an id twice
// replaces the earlier codec.
func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.ID()] = c
}

// Lookup returns the codec registered for id.
func Lookup(id uint16) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	c, ok := registry[id]
	return c, ok
}

// Registered lists the registered filter ids in ascending order.
func Registered() []uint16 {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]uint16, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func init() {
	Register(deflateCodec{})
	Register(shuffleCodec{})
	Register(fletcher32Codec{})
	Register(lzfCodec{})
	Register(bzip2Codec{})
	Register(zstdCodec{})
	Register(lz4Codec{})
	Register(metadataOnly{id: Szip, name: "szip"})
	Register(metadataOnly{id: Blosc, name: "blosc"})
}

// Stage is one entry of a filter pipeline message.
type Stage struct {
	ID         uint16
	Name       string
	Optional   bool
	ClientData []uint32
}

// DisplayName returns the stored name, falling back to the known name.
func (s Stage) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return KnownName(s.ID)
}

// Encode runs the stages forward. An optional stage that fails is skipped
// and its bit set in the returned filter mask.
func Encode(stages []Stage, elemSize int, data []byte) ([]byte, uint32, error) {
	var mask uint32
	chunkSize := len(data)
	for i, st := range stages {
		c, ok := Lookup(st.ID)
		if !ok {
			if st.Optional {
				mask |= 1 << uint(i)
				continue
			}
			return nil, 0, &UnsupportedError{ID: st.ID, Name: st.DisplayName(), Op: "encode"}
		}
		out, err := c.Encode(Params{ClientData: st.ClientData, ElementSize: elemSize, ChunkSize: chunkSize}, data)
		if err != nil {
			if st.Optional {
				mask |= 1 << uint(i)
				continue
			}
			return nil, 0, fmt.Errorf("filter %s: %w", c.Name(), err)
		}
		data = out
	}
	return data, mask, nil
}

// Decode runs the stages in reverse, skipping those whose mask bit is set.
// chunkSize is the expected decoded size, used as a hint by codecs whose
// stream does not record it.
func Decode(stages []Stage, mask uint32, elemSize, chunkSize int, data []byte) ([]byte, error) {
	for i := len(stages) - 1; i >= 0; i-- {
		if mask&(1<<uint(i)) != 0 {
			continue
		}
		st := stages[i]
		c, ok := Lookup(st.ID)
		if !ok {
			return nil, &UnsupportedError{ID: st.ID, Name: st.DisplayName(), Op: "decode"}
		}
		out, err := c.Decode(Params{ClientData: st.ClientData, ElementSize: elemSize, ChunkSize: chunkSize}, data)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", c.Name(), err)
		}
		data = out
	}
	return data, nil
}

type metadataOnly struct {
	id   uint16
	name string
}

func (m metadataOnly) ID() uint16   { return m.id }
func (m metadataOnly) Name() string { return m.name }

func (m metadataOnly) Encode(Params, []byte) ([]byte, error) {
	return nil, &UnsupportedError{ID: m.id, Name: m.name, Op: "encode"}
}

func (m metadataOnly) Decode(Params, []byte) ([]byte, error) {
	return nil, &UnsupportedError{ID: m.id, Name: m.name, Op: "decode"}
}
