package filters

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultDeflateLevel is used when the pipeline carries no level.
const DefaultDeflateLevel = 6

type deflateCodec struct{}

func (deflateCodec) ID() uint16   { return Deflate }
func (deflateCodec) Name() string { return "deflate" }

func (deflateCodec) Encode(p Params, data []byte) ([]byte, error) {
	level := DefaultDeflateLevel
	if len(p.ClientData) > 0 {
		level = int(p.ClientData[0])
	}
	if level < zlib.NoCompression || level > zlib.BestCompression {
		return nil, fmt.Errorf("invalid deflate level %d", level)
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decode(p Params, data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	out := bytes.NewBuffer(make([]byte, 0, max(p.ChunkSize, len(data))))
	if _, err := io.Copy(out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
