package filters

type shuffleCodec struct{}

func (shuffleCodec) ID() uint16   { return Shuffle }
func (shuffleCodec) Name() string { return "shuffle" }

// The library stores the element size in the first client value.
func shuffleWidth(p Params) int {
	if len(p.ClientData) > 0 && p.ClientData[0] > 0 {
		return int(p.ClientData[0])
	}
	return p.ElementSize
}

func (shuffleCodec) Encode(p Params, data []byte) ([]byte, error) {
	width := shuffleWidth(p)
	if width <= 1 || len(data) < width {
		return data, nil
	}
	n := len(data) / width
	out := make([]byte, len(data))
	for i := 0; i < n; i++ {
		for b := 0; b < width; b++ {
			out[b*n+i] = data[i*width+b]
		}
	}
	// Trailing partial element is kept as is.
	copy(out[n*width:], data[n*width:])
	return out, nil
}

func (shuffleCodec) Decode(p Params, data []byte) ([]byte, error) {
	width := shuffleWidth(p)
	if width <= 1 || len(data) < width {
		return data, nil
	}
	n := len(data) / width
	out := make([]byte, len(data))
	for b := 0; b < width; b++ {
		for i := 0; i < n; i++ {
			out[i*width+b] = data[b*n+i]
		}
	}
	copy(out[n*width:], data[n*width:])
	return out, nil
}
