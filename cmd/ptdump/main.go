// Package main prints the object tree of a PyTables-compatible HDF5
// file, in the manner of PyTables' ptdump.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/scigolib/tables"
)

func main() {
	showAttrs := flag.Bool("a", false, "Show node attributes")
	verbose := flag.Bool("v", false, "Show shapes, atoms, byte order and filters")
	dump := flag.Bool("d", false, "Dump leaf data")
	limit := flag.Int64("n", 10, "Rows to dump per leaf with -d (0 = all)")
	debug := flag.Bool("debug", false, "Log library events to stderr")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Println("Usage: ptdump [flags] <file.h5>[:/path]")
		fmt.Println("Flags:")
		flag.PrintDefaults()
		return
	}

	name, start := args[0], "/"
	if i := strings.LastIndex(name, ":/"); i > 0 {
		name, start = name[:i], name[i+1:]
	}
	opts := []tables.Option{}
	if *debug {
		opts = append(opts, tables.WithLogger(tables.NewTextLogger(slog.LevelDebug)))
	}
	f, err := tables.Open(name, opts...)
	if err != nil {
		log.Fatalf("Failed to open file: %v", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("Failed to close file: %v", err)
		}
	}()

	root, err := f.GetNode(start)
	if err != nil {
		log.Fatalf("Failed to find %s: %v", start, err)
	}
	d := dumper{w: os.Stdout, attrs: *showAttrs, verbose: *verbose, data: *dump, limit: *limit}
	if err := d.walk(root); err != nil {
		log.Fatalf("Dump failed: %v", err)
	}
}

type dumper struct {
	w       io.Writer
	attrs   bool
	verbose bool
	data    bool
	limit   int64
}

func (d dumper) walk(n tables.Node) error {
	d.describe(n)
	if d.attrs {
		d.printAttrs(n)
	}
	if d.data {
		if err := d.printData(n); err != nil {
			fmt.Fprintf(d.w, "  <unreadable: %v>\n", err)
		}
	}
	g, ok := n.(*tables.Group)
	if !ok {
		return nil
	}
	children, err := g.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := d.walk(c); err != nil {
			return err
		}
	}
	return nil
}

func (d dumper) describe(n tables.Node) {
	title := ""
	if attrs, err := n.Attrs(); err == nil {
		title, _ = attrs.String("TITLE")
	}
	switch v := n.(type) {
	case *tables.Group:
		fmt.Fprintf(d.w, "%s (%s) %q\n", v.Path(), v.Kind(), title)
	case *tables.Array:
		fmt.Fprintf(d.w, "%s (%s%s) %q\n", v.Path(), v.Kind(), shapeString(v.Shape()), title)
		if d.verbose {
			fmt.Fprintf(d.w, "  atom := %s\n", v.Atom())
			fmt.Fprintf(d.w, "  byteorder := '%s'\n", v.ByteOrder())
			if cs := v.ChunkShape(); cs != nil {
				fmt.Fprintf(d.w, "  chunkshape := %s\n", shapeString(cs))
				fmt.Fprintf(d.w, "  filters := %s\n", v.Filters())
			}
			if v.ExtDim() >= 0 {
				fmt.Fprintf(d.w, "  extdim := %d\n", v.ExtDim())
			}
		}
	case *tables.Table:
		fmt.Fprintf(d.w, "%s (Table(%d,)) %q\n", v.Path(), v.NRows(), title)
		if d.verbose {
			fmt.Fprintln(d.w, "  description := {")
			for _, c := range v.Cols() {
				fmt.Fprintf(d.w, "    %q: %s (pos=%d),\n", c.Name, c.Atom, c.Pos)
			}
			fmt.Fprintln(d.w, "  }")
			fmt.Fprintf(d.w, "  byteorder := '%s'\n", v.ByteOrder())
			if cs := v.ChunkShape(); cs != nil {
				fmt.Fprintf(d.w, "  chunkshape := %s\n", shapeString(cs))
				fmt.Fprintf(d.w, "  filters := %s\n", v.Filters())
			}
			for _, c := range v.Cols() {
				if ix, err := c.Index(); err == nil {
					fmt.Fprintf(d.w, "  index %s := version %s, slicesize %d, %d elements\n",
						c.Name, ix.Version(), ix.SliceSize(), ix.NElements())
				}
			}
		}
	default:
		fmt.Fprintf(d.w, "%s (%s)\n", n.Path(), n.Kind())
	}
}

func (d dumper) printAttrs(n tables.Node) {
	attrs, err := n.Attrs()
	if err != nil {
		fmt.Fprintf(d.w, "  <attributes unreadable: %v>\n", err)
		return
	}
	for _, name := range attrs.Names() {
		v, err := attrs.Get(name)
		if err != nil {
			fmt.Fprintf(d.w, "  %s.attrs.%s := <%v>\n", n.Path(), name, err)
			continue
		}
		fmt.Fprintf(d.w, "  %s.attrs.%s := %v\n", n.Path(), name, v)
	}
}

func (d dumper) printData(n tables.Node) error {
	switch v := n.(type) {
	case *tables.Array:
		shape := v.Shape()
		var data *tables.Data
		var err error
		if len(shape) == 0 || d.limit <= 0 {
			data, err = v.Read()
		} else {
			data, err = v.ReadRange(0, min(shape[0], d.limit))
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(d.w, "  Data dump %s:\n  %v\n", shapeString(data.Shape), data.Values)
	case *tables.Table:
		stop := v.NRows()
		if d.limit > 0 {
			stop = min(stop, d.limit)
		}
		fmt.Fprintln(d.w, "  Data dump:")
		it := v.Iterrows(0, stop, 1)
		for it.Next() {
			vals, err := it.Row().Values()
			if err != nil {
				return err
			}
			fmt.Fprintf(d.w, "  [%d] %v\n", it.Row().Nrow(), vals)
		}
		return it.Err()
	}
	return nil
}

func shapeString(shape []int64) string {
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprint(v)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
