package filters

import (
	"bytes"
	"compress/bzip2"
	"io"
)

// bzip2 streams (PyTables filter 307) can be read but not produced.
type bzip2Codec struct{}

func (bzip2Codec) ID() uint16   { return BZip2 }
func (bzip2Codec) Name() string { return "bzip2" }

func (bzip2Codec) Encode(Params, []byte) ([]byte, error) {
	return nil, &UnsupportedError{ID: BZip2, Name: "bzip2", Op: "encode"}
}

func (bzip2Codec) Decode(p Params, data []byte) ([]byte, error) {
	out := bytes.NewBuffer(make([]byte, 0, max(p.ChunkSize, len(data))))
	if _, err := io.Copy(out, bzip2.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
