package tables

import (
	"bytes"
	"fmt"
	"math"
	"reflect"

	"github.com/scigolib/tables/internal/core"
)

// decodeValues converts n elements of the scalar type dt from file bytes
// to a typed Go slice. heap resolves variable-length strings.
func decodeValues(dt *core.Datatype, raw []byte, n int, heap *core.GlobalHeap) (any, error) {
	size := int(dt.Size)
	if len(raw) < n*size {
		return nil, fmt.Errorf("%d bytes for %d elements of %d bytes", len(raw), n, size)
	}
	switch dt.Class {
	case core.ClassFixed:
		return decodeInts(raw, n, size, dt.Signed, dt.BigEndian)
	case core.ClassEnum:
		return decodeInts(raw, n, size, dt.Base.Signed, dt.Base.BigEndian)
	case core.ClassBitfield:
		if size != 1 {
			return decodeInts(raw, n, size, false, dt.BigEndian)
		}
		out := make([]bool, n)
		for i := range out {
			out[i] = raw[i] != 0
		}
		return out, nil
	case core.ClassFloat:
		return decodeFloats(raw, n, size, dt.BigEndian)
	case core.ClassString:
		out := make([]string, n)
		for i := range out {
			out[i] = trimString(raw[i*size:(i+1)*size], dt.Padding)
		}
		return out, nil
	case core.ClassVarLen:
		if !dt.VLenString {
			return nil, fmt.Errorf("%w: variable-length sequences", ErrUnsupported)
		}
		out := make([]string, n)
		for i := range out {
			s, err := vlenString(raw[i*size:(i+1)*size], heap)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	default:
		out := make([][]byte, n)
		for i := range out {
			out[i] = bytes.Clone(raw[i*size : (i+1)*size])
		}
		return out, nil
	}
}

// decodeOne converts a single element.
func decodeOne(dt *core.Datatype, raw []byte, heap *core.GlobalHeap) (any, error) {
	vals, err := decodeValues(dt, raw, 1, heap)
	if err != nil {
		return nil, err
	}
	return reflect.ValueOf(vals).Index(0).Interface(), nil
}

func decodeInts(raw []byte, n, size int, signed, big bool) (any, error) {
	switch {
	case signed && size == 1:
		return mapInts[int8](raw, n, size, signed, big), nil
	case signed && size == 2:
		return mapInts[int16](raw, n, size, signed, big), nil
	case signed && size == 4:
		return mapInts[int32](raw, n, size, signed, big), nil
	case signed && size == 8:
		return mapInts[int64](raw, n, size, signed, big), nil
	case size == 1:
		return mapInts[uint8](raw, n, size, signed, big), nil
	case size == 2:
		return mapInts[uint16](raw, n, size, signed, big), nil
	case size == 4:
		return mapInts[uint32](raw, n, size, signed, big), nil
	case size == 8:
		return mapInts[uint64](raw, n, size, signed, big), nil
	}
	return nil, fmt.Errorf("%w: %d byte integer", ErrUnsupported, size)
}

type integer interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

func mapInts[T integer](raw []byte, n, size int, signed, big bool) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T(core.DecodeInt(raw[i*size:(i+1)*size], signed, big))
	}
	return out
}

func decodeFloats(raw []byte, n, size int, big bool) (any, error) {
	bits := func(i int) uint64 {
		//nolint:gosec // G115: bit pattern reinterpretation
		return uint64(core.DecodeInt(raw[i*size:(i+1)*size], false, big))
	}
	switch size {
	case 2:
		out := make([]float32, n)
		for i := range out {
			out[i] = halfToFloat32(uint16(bits(i))) //nolint:gosec // 16-bit pattern
		}
		return out, nil
	case 4:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(uint32(bits(i))) //nolint:gosec // 32-bit pattern
		}
		return out, nil
	case 8:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(bits(i))
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d byte float", ErrUnsupported, size)
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}

// trimString drops the padding of a fixed-length string.
func trimString(b []byte, pad core.StringPadding) string {
	if pad == core.PadSpacePad {
		return string(bytes.TrimRight(b, " \x00"))
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func vlenString(ref []byte, heap *core.GlobalHeap) (string, error) {
	n, gref := core.DecodeVLenRef(ref, core.DefaultFormat)
	if n == 0 {
		return "", nil
	}
	if heap == nil {
		return "", fmt.Errorf("%w: variable-length data without a heap", ErrUnsupported)
	}
	obj, err := heap.Object(gref)
	if err != nil {
		return "", err
	}
	if uint32(len(obj)) < n {
		return "", fmt.Errorf("global heap object of %d bytes, want %d", len(obj), n)
	}
	return string(obj[:n]), nil
}

// encoder converts Go values to file bytes for one scalar datatype.
// Variable-length strings are collected and stored in a global heap
// collection by finish.
type encoder struct {
	dt      *core.Datatype
	buf     []byte
	pending [][]byte
	refAt   []int
}

func newEncoder(dt *core.Datatype, capacity int) *encoder {
	return &encoder{dt: dt, buf: make([]byte, 0, capacity)}
}

// add appends values, which may be a scalar, a slice or nested slices
// flattened in row-major order. It returns the number of elements added.
func (e *encoder) add(values any) (int, error) {
	v := reflect.ValueOf(values)
	if !v.IsValid() {
		return 0, fmt.Errorf("%w: nil value", ErrTypeMismatch)
	}
	return e.addValue(v)
}

func (e *encoder) addValue(v reflect.Value) (int, error) {
	for v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return 0, fmt.Errorf("%w: nil value", ErrTypeMismatch)
		}
		v = v.Elem()
	}
	if (v.Kind() == reflect.Slice || v.Kind() == reflect.Array) && v.Type().Elem().Kind() != reflect.Uint8 {
		n := 0
		for i := 0; i < v.Len(); i++ {
			k, err := e.addValue(v.Index(i))
			if err != nil {
				return n, err
			}
			n += k
		}
		return n, nil
	}
	if v.Kind() == reflect.Slice && e.dt.Class != core.ClassString && e.dt.Class != core.ClassVarLen {
		// []byte holding numbers.
		n := 0
		for i := 0; i < v.Len(); i++ {
			if err := e.addScalar(v.Index(i)); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	}
	return 1, e.addScalar(v)
}

func (e *encoder) addScalar(v reflect.Value) error {
	dt := e.dt
	size := int(dt.Size)
	switch dt.Class {
	case core.ClassFixed:
		i, ok := asInt64(v)
		if !ok {
			return mismatch(v, dt)
		}
		e.buf = append(e.buf, core.EncodeInt(i, size, dt.BigEndian)...)
	case core.ClassEnum:
		if v.Kind() == reflect.String {
			for i, name := range dt.EnumNames {
				if name == v.String() {
					e.buf = append(e.buf, dt.EnumValues[i]...)
					return nil
				}
			}
			return fmt.Errorf("%w: %q is not an enum name", ErrTypeMismatch, v.String())
		}
		i, ok := asInt64(v)
		if !ok {
			return mismatch(v, dt)
		}
		e.buf = append(e.buf, core.EncodeInt(i, size, dt.Base.BigEndian)...)
	case core.ClassBitfield:
		if v.Kind() == reflect.Bool {
			var b byte
			if v.Bool() {
				b = 1
			}
			e.buf = append(e.buf, b)
			e.buf = append(e.buf, make([]byte, size-1)...)
			return nil
		}
		i, ok := asInt64(v)
		if !ok {
			return mismatch(v, dt)
		}
		e.buf = append(e.buf, core.EncodeInt(i, size, dt.BigEndian)...)
	case core.ClassFloat:
		f, ok := asFloat64(v)
		if !ok {
			return mismatch(v, dt)
		}
		var bits uint64
		if size == 4 {
			bits = uint64(math.Float32bits(float32(f)))
		} else {
			bits = math.Float64bits(f)
		}
		e.buf = append(e.buf, core.EncodeInt(int64(bits), size, dt.BigEndian)...) //nolint:gosec // bit pattern
	case core.ClassString:
		s, ok := asBytes(v)
		if !ok {
			return mismatch(v, dt)
		}
		field := make([]byte, size)
		fill := byte(0)
		if dt.Padding == core.PadSpacePad {
			fill = ' '
		}
		for i := range field {
			field[i] = fill
		}
		n := copy(field, s)
		if dt.Padding == core.PadNullTerm && n == size && size > 0 {
			field[size-1] = 0
		}
		e.buf = append(e.buf, field...)
	case core.ClassVarLen:
		s, ok := asBytes(v)
		if !ok || !dt.VLenString {
			return mismatch(v, dt)
		}
		e.refAt = append(e.refAt, len(e.buf))
		e.pending = append(e.pending, bytes.Clone(s))
		e.buf = append(e.buf, make([]byte, size)...)
	default:
		return fmt.Errorf("%w: writing %s data", ErrUnsupported, dt.Class)
	}
	return nil
}

// zero appends n elements of zero bytes, read back as zero, false, ""
// or an empty variable-length string.
func (e *encoder) zero(n int) {
	e.buf = append(e.buf, make([]byte, n*int(e.dt.Size))...)
}

// finish stores pending variable-length strings and returns the bytes.
func (e *encoder) finish(s core.Storage, f core.Format) ([]byte, error) {
	if len(e.pending) == 0 {
		return e.buf, nil
	}
	var objects [][]byte
	var slots []int
	for i, obj := range e.pending {
		if len(obj) > 0 {
			objects = append(objects, obj)
			slots = append(slots, i)
		}
	}
	var refs []core.GlobalHeapRef
	for len(objects) > 0 {
		n := min(len(objects), core.MaxGlobalHeapObjects)
		part, err := core.WriteGlobalHeap(s, f, objects[:n])
		if err != nil {
			return nil, err
		}
		refs = append(refs, part...)
		objects = objects[n:]
	}
	for i, slot := range slots {
		obj := e.pending[slot]
		copy(e.buf[e.refAt[slot]:], core.EncodeVLenRef(uint32(len(obj)), refs[i], f)) //nolint:gosec // object sizes fit
	}
	for slot, obj := range e.pending {
		if len(obj) == 0 {
			copy(e.buf[e.refAt[slot]:], core.EncodeVLenRef(0, core.GlobalHeapRef{}, f))
		}
	}
	return e.buf, nil
}

func mismatch(v reflect.Value, dt *core.Datatype) error {
	return fmt.Errorf("%w: cannot store %s as %s", ErrTypeMismatch, v.Type(), dt.Class)
}

func asInt64(v reflect.Value) (int64, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int64(v.Uint()), true //nolint:gosec // two's complement for uint64
	case reflect.Bool:
		if v.Bool() {
			return 1, true
		}
		return 0, true
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	}
	return 0, false
}

func asFloat64(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	}
	return 0, false
}

func asBytes(v reflect.Value) ([]byte, bool) {
	switch {
	case v.Kind() == reflect.String:
		return []byte(v.String()), true
	case v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8:
		return v.Bytes(), true
	}
	return nil, false
}

// toInt64 converts a decoded scalar to int64.
func toInt64(x any) (int64, bool) {
	v := reflect.ValueOf(x)
	if !v.IsValid() {
		return 0, false
	}
	return asInt64(v)
}

// toFloat64 converts a decoded numeric scalar to float64.
func toFloat64(x any) (float64, bool) {
	v := reflect.ValueOf(x)
	if !v.IsValid() {
		return 0, false
	}
	return asFloat64(v)
}
