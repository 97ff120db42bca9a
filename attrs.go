package tables

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/structures"
)

// AttributeSet holds the attributes of a node.
type AttributeSet struct {
	n *node

	mu      sync.RWMutex
	compact []*core.Attribute
	dense   []*core.Attribute
}

func loadAttributeSet(n *node) (*AttributeSet, error) {
	r := n.file.reader
	compact, err := core.ReadAttributes(r, n.header)
	if err != nil {
		return nil, fmt.Errorf("attributes of %s: %w", n.path, err)
	}
	dense, err := structures.ReadDenseAttributes(r, n.header)
	if err != nil {
		return nil, fmt.Errorf("dense attributes of %s: %w", n.path, err)
	}
	return &AttributeSet{n: n, compact: compact, dense: dense}, nil
}

// Names returns the attribute names in sorted order.
func (as *AttributeSet) Names() []string {
	as.mu.RLock()
	defer as.mu.RUnlock()
	names := make([]string, 0, len(as.compact)+len(as.dense))
	for _, a := range as.compact {
		names = append(names, a.Name)
	}
	for _, a := range as.dense {
		names = append(names, a.Name)
	}
	slices.Sort(names)
	return names
}

// Contains reports whether the attribute exists.
func (as *AttributeSet) Contains(name string) bool {
	_, _, ok := as.find(name)
	return ok
}

func (as *AttributeSet) find(name string) (*core.Attribute, bool, bool) {
	as.mu.RLock()
	defer as.mu.RUnlock()
	for _, a := range as.compact {
		if a.Name == name {
			return a, false, true
		}
	}
	for _, a := range as.dense {
		if a.Name == name {
			return a, true, true
		}
	}
	return nil, false, false
}

// Get returns the value of an attribute: a Go scalar for scalar
// dataspaces, a typed slice otherwise, nil for null dataspaces.
func (as *AttributeSet) Get(name string) (any, error) {
	a, _, ok := as.find(name)
	if !ok {
		return nil, fmt.Errorf("attribute %q of %s: %w", name, as.n.path, ErrNodeNotFound)
	}
	if a.Space.Kind == core.DataspaceNull {
		return nil, nil
	}
	el, shape := a.Type.Elem()
	count := int(a.Space.NumElements())
	for _, v := range shape {
		count *= v
	}
	vals, err := decodeValues(el, a.Data, count, as.n.file.heap)
	if err != nil {
		return nil, fmt.Errorf("attribute %q: %w", name, err)
	}
	if a.Space.Kind == core.DataspaceScalar && len(shape) == 0 {
		return reflect.ValueOf(vals).Index(0).Interface(), nil
	}
	return vals, nil
}

// String returns a string attribute. A one-element string array counts.
func (as *AttributeSet) String(name string) (string, error) {
	v, err := as.Get(name)
	if err != nil {
		return "", err
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case []string:
		if len(s) == 1 {
			return s[0], nil
		}
	}
	return "", fmt.Errorf("attribute %q is %T, not a string: %w", name, v, ErrTypeMismatch)
}

// Int64 returns an integer attribute. A one-element array counts.
func (as *AttributeSet) Int64(name string) (int64, error) {
	v, err := as.Get(name)
	if err != nil {
		return 0, err
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice && rv.Len() == 1 {
		v = rv.Index(0).Interface()
	}
	if i, ok := toInt64(v); ok {
		return i, nil
	}
	return 0, fmt.Errorf("attribute %q is %T, not an integer: %w", name, v, ErrTypeMismatch)
}

// Float64 returns a numeric attribute as float64.
func (as *AttributeSet) Float64(name string) (float64, error) {
	v, err := as.Get(name)
	if err != nil {
		return 0, err
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Slice && rv.Len() == 1 {
		v = rv.Index(0).Interface()
	}
	if f, ok := toFloat64(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("attribute %q is %T, not a number: %w", name, v, ErrTypeMismatch)
}

// Set stores an attribute. Strings become fixed-length NUL-terminated
// strings; Go integers and floats keep their width; slices become 1-D
// arrays. An attribute whose new encoding fits the old message is
// rewritten in place, otherwise the old message is freed.
func (as *AttributeSet) Set(name string, value any) error {
	if name == "" {
		return errors.New("empty attribute name")
	}
	s, done, err := as.n.file.beginWrite()
	if err != nil {
		return err
	}
	defer done()
	return as.set(s, name, value)
}

func (as *AttributeSet) set(s core.Storage, name string, value any) error {
	f := as.n.file.reader.Format
	data, err := encodeAttribute(s, f, name, value)
	if err != nil {
		return fmt.Errorf("attribute %q: %w", name, err)
	}

	old, dense, found := as.find(name)
	if dense {
		return fmt.Errorf("%w: rewriting dense attribute %q", ErrUnsupported, name)
	}
	oh := as.n.header
	as.mu.RLock()
	hasDense := len(as.dense) > 0
	as.mu.RUnlock()
	if !found && hasDense {
		return fmt.Errorf("%w: adding attributes to dense storage", ErrUnsupported)
	}
	switch {
	case found && len(data) <= len(old.Message.Data):
		err = oh.Update(s, old.Message, data)
	case found:
		if err = oh.Delete(s, old.Message); err == nil {
			err = oh.Add(s, core.MsgAttribute, 0, data)
		}
	default:
		err = oh.Add(s, core.MsgAttribute, 0, data)
	}
	if err != nil {
		return fmt.Errorf("attribute %q of %s: %w", name, as.n.path, err)
	}

	compact, err := core.ReadAttributes(as.n.file.reader, oh)
	if err != nil {
		return err
	}
	as.mu.Lock()
	as.compact = compact
	as.mu.Unlock()
	return nil
}

// encodeAttribute builds the attribute message for a Go value.
func encodeAttribute(s core.Storage, f core.Format, name string, value any) ([]byte, error) {
	dt, dims, err := attributeType(value)
	if err != nil {
		return nil, err
	}
	space := core.NewDataspace(dims, nil)
	enc := newEncoder(dt, int(dt.Size))
	if v := reflect.ValueOf(value); v.Kind() == reflect.Slice && v.Len() == 0 {
		space = &core.Dataspace{Version: 2, Kind: core.DataspaceNull}
	} else if _, err := enc.add(value); err != nil {
		return nil, err
	}
	raw, err := enc.finish(s, f)
	if err != nil {
		return nil, err
	}
	return core.EncodeAttribute(name, dt, space, raw, f), nil
}

// attributeType picks the datatype and dimensions for a Go value.
func attributeType(value any) (*core.Datatype, []uint64, error) {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		return nil, nil, fmt.Errorf("%w: nil attribute value", ErrTypeMismatch)
	}
	var dims []uint64
	t := v.Type()
	if v.Kind() == reflect.Slice {
		dims = []uint64{uint64(v.Len())}
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		size := 1
		if dims == nil {
			size = v.Len() + 1
		} else {
			for i := 0; i < v.Len(); i++ {
				size = max(size, v.Index(i).Len()+1)
			}
		}
		return core.NewString(size, core.PadNullTerm), dims, nil
	case reflect.Bool:
		return core.NewBool(), dims, nil
	case reflect.Int, reflect.Int64, reflect.Uint, reflect.Uint64:
		return core.NewInteger(8, t.Kind() == reflect.Int || t.Kind() == reflect.Int64, false), dims, nil
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return core.NewInteger(int(t.Size()), true, false), dims, nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return core.NewInteger(int(t.Size()), false, false), dims, nil
	case reflect.Float32, reflect.Float64:
		return core.NewFloat(int(t.Size()), false), dims, nil
	}
	return nil, nil, fmt.Errorf("%w: attribute of type %T", ErrTypeMismatch, value)
}

// stringAttr builds a scalar string attribute message.
func stringAttr(f core.Format, name, value string) core.RawMessage {
	dt := core.NewString(len(value)+1, core.PadNullTerm)
	data := core.EncodeAttribute(name, dt, core.NewDataspace(nil, nil), append([]byte(value), 0), f)
	return core.RawMessage{Type: core.MsgAttribute, Data: data}
}

// int64Attr builds a scalar int64 attribute message.
func int64Attr(f core.Format, name string, value int64) core.RawMessage {
	dt := core.NewInteger(8, true, false)
	data := core.EncodeAttribute(name, dt, core.NewDataspace(nil, nil), core.EncodeInt(value, 8, false), f)
	return core.RawMessage{Type: core.MsgAttribute, Data: data}
}

// classAttrs are the attributes PyTables puts on every node it creates.
func classAttrs(f core.Format, class, version, title string) []core.RawMessage {
	return []core.RawMessage{
		stringAttr(f, "CLASS", class),
		stringAttr(f, "VERSION", version),
		stringAttr(f, "TITLE", title),
	}
}
