package tables

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/scigolib/tables/internal/core"
	"github.com/scigolib/tables/internal/structures"
)

// Group is a node that contains other nodes. Index groups are groups of
// kind KindIndex.
type Group struct {
	node

	mu     sync.Mutex
	links  []*core.Link // sorted by name
	loaded bool
}

// linkList returns the links sorted by name, reading them once.
func (g *Group) linkList() ([]*core.Link, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loaded {
		return g.links, nil
	}
	r := g.file.reader
	links, err := structures.ReadLinks(r, g.header)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", g.path, err)
	}
	sb := g.file.sb
	if len(links) == 0 && g.path == "/" && g.header.Find(core.MsgSymbolTable) == nil && sb.RootBTree != core.UndefinedAddress {
		if links, err = structures.ReadSymbolTableLinks(r, sb.RootBTree, sb.RootHeap); err != nil {
			return nil, fmt.Errorf("root symbol table: %w", err)
		}
	}
	slices.SortFunc(links, func(a, b *core.Link) int { return strings.Compare(a.Name, b.Name) })
	g.links, g.loaded = links, true
	return links, nil
}

// ChildNames returns the names of the group's links in order.
func (g *Group) ChildNames() ([]string, error) {
	links, err := g.linkList()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(links))
	for i, l := range links {
		names[i] = l.Name
	}
	return names, nil
}

// Children returns the nodes the group links to, in name order. Links
// that cannot be followed are skipped and logged.
func (g *Group) Children() ([]Node, error) {
	links, err := g.linkList()
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(links))
	for _, l := range links {
		n, err := g.follow(l, 0)
		if err != nil {
			g.file.log.WithNode(g.path).Warn("skipping unreadable link", "link", l.Name, "error", err)
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Child returns the node linked as name.
func (g *Group) Child(name string) (Node, error) {
	if err := g.file.checkOpen(); err != nil {
		return nil, err
	}
	return g.child(name, 0)
}

func (g *Group) child(name string, depth int) (Node, error) {
	links, err := g.linkList()
	if err != nil {
		return nil, err
	}
	i, found := slices.BinarySearchFunc(links, name, func(l *core.Link, n string) int { return strings.Compare(l.Name, n) })
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, path.Join(g.path, name))
	}
	return g.follow(links[i], depth)
}

func (g *Group) follow(l *core.Link, depth int) (Node, error) {
	switch l.Type {
	case core.LinkHard:
		return g.file.loadNode(l.Address, path.Join(g.path, l.Name))
	case core.LinkSoft:
		target := l.Target
		if !strings.HasPrefix(target, "/") {
			target = path.Join(g.path, target)
		}
		return g.file.resolve(path.Clean(target), depth+1)
	default:
		return nil, fmt.Errorf("%w: external link %s to %s:%s", ErrUnsupported, l.Name, l.ExternalFile, l.ExternalPath)
	}
}

// addLink records a hard link to the object at addr, in whichever of the
// three link storages the group uses.
func (g *Group) addLink(s core.Storage, name string, addr uint64) error {
	links, err := g.linkList()
	if err != nil {
		return err
	}
	if _, found := slices.BinarySearchFunc(links, name, func(l *core.Link, n string) int { return strings.Compare(l.Name, n) }); found {
		return fmt.Errorf("%w: %s", ErrNodeExists, path.Join(g.path, name))
	}

	l := &core.Link{Name: name, Type: core.LinkHard, CharSet: core.CharSetUTF8, Address: addr}
	sb := g.file.sb
	switch st := g.header.Find(core.MsgSymbolTable); {
	case st != nil:
		err = g.addSymbolLink(s, st, l)
	case g.path == "/" && sb.RootBTree != core.UndefinedAddress && g.header.Find(core.MsgLinkInfo) == nil:
		err = g.addSymbolLink(s, nil, l)
	default:
		err = g.addHeaderLink(s, l)
	}
	if err != nil {
		return fmt.Errorf("link %s in %s: %w", name, g.path, err)
	}
	g.file.log.WithNode(g.path).Debug("link added", "link", name, "address", addr)

	g.mu.Lock()
	defer g.mu.Unlock()
	i, _ := slices.BinarySearchFunc(g.links, name, func(l *core.Link, n string) int { return strings.Compare(l.Name, n) })
	g.links = slices.Insert(g.links, i, l)
	return nil
}

// addSymbolLink inserts l into an old-style group. m is its symbol table
// message, or nil for a root group known only from the superblock.
func (g *Group) addSymbolLink(s core.Storage, m *core.Message, l *core.Link) error {
	f := g.file.reader.Format
	sb := g.file.sb
	st := &core.SymbolTable{BTreeAddress: sb.RootBTree, HeapAddress: sb.RootHeap}
	if m != nil {
		var err error
		if st, err = core.ParseSymbolTable(m.Data, f); err != nil {
			return err
		}
	}
	leafK, internalK := int(sb.GroupLeafK), int(sb.GroupInternalK)
	if leafK == 0 {
		leafK = structures.DefaultGroupLeafK
	}
	if internalK == 0 {
		internalK = structures.DefaultGroupInternalK
	}
	btree, err := structures.InsertSymbolLink(s, f, st.BTreeAddress, st.HeapAddress, leafK, internalK, l.Name, l.Address)
	if err != nil {
		return err
	}
	if btree == st.BTreeAddress {
		return nil
	}
	st.BTreeAddress = btree
	if m != nil {
		if err := g.header.Update(s, m, st.Encode(f)); err != nil {
			return err
		}
	}
	if g.path == "/" {
		return sb.CommitRootSymbolTable(g.file.osFile, st.BTreeAddress, st.HeapAddress)
	}
	return nil
}

// addHeaderLink adds l to a new-style group, as a link message when the
// group is compact or through its fractal heap when it is dense.
func (g *Group) addHeaderLink(s core.Storage, l *core.Link) error {
	f := g.file.reader.Format
	m := g.header.Find(core.MsgLinkInfo)
	if m == nil {
		return g.header.Add(s, core.MsgLink, 0, l.Encode(f))
	}
	info, err := core.ParseLinkInfo(m.Data, f)
	if err != nil {
		return err
	}
	if info.Dense() {
		if info, err = structures.InsertDenseLink(s, f, info, l); err != nil {
			return err
		}
		return g.header.Update(s, g.header.Find(core.MsgLinkInfo), info.Encode(f))
	}
	if info.Flags&0x01 != 0 {
		l.CreationOrder, l.HasCreationOrder = int64(info.MaxCreationIndex), true //nolint:gosec // counter
		info.MaxCreationIndex++
		if err := g.header.Update(s, m, info.Encode(f)); err != nil {
			return err
		}
	}
	return g.header.Add(s, core.MsgLink, 0, l.Encode(f))
}

// CreateGroup makes a new group under where.
func (f *File) CreateGroup(where, name string, opts ...NodeOption) (*Group, error) {
	o := defaultNodeOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s, done, err := f.beginWrite()
	if err != nil {
		return nil, err
	}
	defer done()
	return f.createGroup(s, where, name, "GROUP", groupVersion, o.title)
}

// createGroup writes a group with PyTables class attributes. The caller
// holds the write lock.
func (f *File) createGroup(s core.Storage, where, name, class, version, title string) (*Group, error) {
	parent, err := f.parentGroup(where, name)
	if err != nil {
		return nil, err
	}
	format := f.reader.Format
	msgs := groupMessages(format)
	msgs = append(msgs, classAttrs(format, class, version, title)...)
	addr, err := core.WriteObjectHeader(s, msgs, core.HeaderSlack)
	if err != nil {
		return nil, err
	}
	if err := parent.addLink(s, name, addr); err != nil {
		return nil, err
	}
	n, err := f.loadNode(addr, path.Join(parent.path, name))
	if err != nil {
		return nil, err
	}
	g, ok := n.(*Group)
	if !ok {
		return nil, fmt.Errorf("%s created as %s", n.Path(), n.Kind())
	}
	f.log.WithNode(g.path).Debug("group created", "class", class)
	return g, nil
}

// parentGroup resolves where to a group and checks name.
func (f *File) parentGroup(where, name string) (*Group, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	n, err := f.GetNode(where)
	if err != nil {
		return nil, err
	}
	g, ok := n.(*Group)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a group", n.Path(), n.Kind())
	}
	return g, nil
}

// groupMessages are the header messages of an empty new-style group.
func groupMessages(f core.Format) []core.RawMessage {
	return []core.RawMessage{
		{Type: core.MsgLinkInfo, Data: core.NewCompactLinkInfo().Encode(f)},
		{Type: core.MsgGroupInfo, Data: core.EncodeGroupInfo()},
	}
}
