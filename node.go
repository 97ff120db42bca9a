package tables

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/scigolib/tables/internal/core"
)

// NodeKind is the PyTables class of a node.
type NodeKind int

// Node kinds.
const (
	KindUnknown NodeKind = iota
	KindGroup
	KindArray
	KindCArray
	KindEArray
	KindTable
	KindIndex
)

var kindNames = [...]string{"Unknown", "Group", "Array", "CArray", "EArray", "Table", "Index"}

func (k NodeKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// Node is an object in the hierarchy: a *Group, *Array, *Table or
// *Unknown.
type Node interface {
	Name() string
	Path() string
	Kind() NodeKind
	Attrs() (*AttributeSet, error)
	File() *File
}

// node carries what every kind of node has: its place in the tree and
// its object header.
type node struct {
	file   *File
	name   string
	path   string
	header *core.ObjectHeader
	kind   NodeKind
	attrs  *lazyAttrs
}

type lazyAttrs struct {
	once sync.Once
	set  *AttributeSet
	err  error
}

// Name returns the last path component; "/" for the root.
func (n *node) Name() string { return n.name }

// Path returns the absolute path.
func (n *node) Path() string { return n.path }

// Kind returns the PyTables class.
func (n *node) Kind() NodeKind { return n.kind }

// File returns the file the node belongs to.
func (n *node) File() *File { return n.file }

// Attrs returns the node's attributes, loading them on first use.
func (n *node) Attrs() (*AttributeSet, error) {
	n.attrs.once.Do(func() {
		n.attrs.set, n.attrs.err = loadAttributeSet(n)
	})
	return n.attrs.set, n.attrs.err
}

// class returns the CLASS attribute, or "" when it is absent or
// unreadable.
func (n *node) class() string {
	attrs, err := n.Attrs()
	if err != nil {
		n.file.log.WithNode(n.path).Debug("attributes unreadable", "error", err)
		return ""
	}
	s, err := attrs.String("CLASS")
	if err != nil {
		return ""
	}
	return s
}

// Unknown is an object this package does not model, such as a committed
// datatype.
type Unknown struct {
	node
}

// loadNode builds the node for the object header at addr.
func (f *File) loadNode(addr uint64, p string) (Node, error) {
	if n, ok := f.cachedNode(p); ok {
		return n, nil
	}
	oh, err := f.header(addr)
	if err != nil {
		return nil, err
	}
	base := node{file: f, name: baseName(p), path: p, header: oh, attrs: &lazyAttrs{}}

	var n Node
	switch {
	case oh.IsGroup():
		g := &Group{node: base}
		g.kind = KindGroup
		switch g.class() {
		case "INDEX", "TINDEX":
			g.kind = KindIndex
		}
		n = g
	case oh.IsDataset():
		ds, err := f.dataset(oh)
		if err != nil {
			return nil, err
		}
		n, err = f.datasetNode(base, ds)
		if err != nil {
			return nil, err
		}
	default:
		base.kind = KindUnknown
		n = &Unknown{node: base}
	}
	return f.cacheNode(p, n), nil
}

// datasetNode classifies a dataset the way PyTables does: the CLASS
// attribute wins when it is consistent with the data, otherwise the
// datatype and layout decide.
func (f *File) datasetNode(base node, ds *core.Dataset) (Node, error) {
	class := base.class()
	kind := classifyDataset(ds)
	switch class {
	case "TABLE":
		if kind != KindTable {
			f.log.WithNode(base.path).Debug("CLASS=TABLE on a non-compound dataset")
		}
	case "ARRAY", "CARRAY", "EARRAY", "INDEXARRAY":
		if kind == KindTable {
			f.log.WithNode(base.path).Debug("array CLASS on a compound dataset", "class", class)
			break
		}
		want := map[string]NodeKind{"ARRAY": KindArray, "CARRAY": KindCArray, "EARRAY": KindEArray, "INDEXARRAY": KindEArray}[class]
		if want != KindArray && ds.Layout.Class != core.LayoutChunked {
			f.log.WithNode(base.path).Debug("chunked CLASS on unchunked storage", "class", class)
			break
		}
		kind = want
	case "":
	default:
		f.log.WithNode(base.path).Debug("unrecognized CLASS", "class", class)
	}

	base.kind = kind
	if kind == KindTable {
		return newTable(base, ds)
	}
	return newArray(base, ds)
}

func classifyDataset(ds *core.Dataset) NodeKind {
	if ds.Type.Class == core.ClassCompound {
		return KindTable
	}
	if ds.Layout.Class != core.LayoutChunked {
		return KindArray
	}
	unlimited := 0
	for _, v := range ds.Space.MaxDims {
		if v == core.Unlimited {
			unlimited++
		}
	}
	if unlimited == 1 {
		return KindEArray
	}
	return KindCArray
}

// joinPath joins where and name into a clean absolute path.
func joinPath(where string, name ...string) (string, error) {
	if !strings.HasPrefix(where, "/") {
		return "", fmt.Errorf("%w: %q is not an absolute path", ErrNodeNotFound, where)
	}
	return path.Clean(path.Join(append([]string{where}, name...)...)), nil
}

func baseName(p string) string {
	if p == "/" {
		return "/"
	}
	return path.Base(p)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return fmt.Errorf("invalid node name %q", name)
	}
	return nil
}
