// Package main is an interactive shell for browsing and querying tables
// in a PyTables-compatible HDF5 file.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/scigolib/tables"
)

const help = `Commands:
  ls [path]                 list the children of a group
  info <path>               describe a node
  where <table> <condition> print the rows matching a condition
  index <table> <column>    create an index (file opened with -w)
  quit                      leave`

func main() {
	writable := flag.Bool("w", false, "Open the file for appending (needed by index)")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Println("Usage: ptquery [flags] <file.h5>")
		flag.PrintDefaults()
		return
	}

	mode := tables.ReadOnly
	if *writable {
		mode = tables.Append
	}
	f, err := tables.Open(args[0], tables.WithMode(mode))
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}()

	fmt.Printf("Opened %s (%s)\n", args[0], mode)
	fmt.Println("Type commands. 'help' for information or 'quit' to leave.")

	sh := shell{f: f, out: os.Stdout}
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Println("input error:", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		words, err := shellquote.Split(line)
		if err != nil {
			fmt.Println("parse error:", err)
			continue
		}
		if words[0] == "quit" || words[0] == "exit" {
			return
		}
		if err := sh.run(words); err != nil {
			fmt.Println("error:", err)
		}
	}
}

type shell struct {
	f   *tables.File
	out io.Writer
}

func (s shell) run(words []string) error {
	switch words[0] {
	case "help":
		fmt.Fprintln(s.out, help)
		return nil
	case "ls":
		p := "/"
		if len(words) > 1 {
			p = words[1]
		}
		return s.ls(p)
	case "info":
		if len(words) != 2 {
			return errors.New("usage: info <path>")
		}
		return s.info(words[1])
	case "where":
		if len(words) < 3 {
			return errors.New("usage: where <table> <condition>")
		}
		return s.where(words[1], strings.Join(words[2:], " "))
	case "index":
		if len(words) != 3 {
			return errors.New("usage: index <table> <column>")
		}
		return s.index(words[1], words[2])
	}
	return fmt.Errorf("unknown command %q", words[0])
}

func (s shell) ls(p string) error {
	n, err := s.f.GetNode(p)
	if err != nil {
		return err
	}
	g, ok := n.(*tables.Group)
	if !ok {
		fmt.Fprintf(s.out, "%s (%s)\n", n.Path(), n.Kind())
		return nil
	}
	children, err := g.Children()
	if err != nil {
		return err
	}
	for _, c := range children {
		fmt.Fprintf(s.out, "%-24s %s\n", c.Name(), c.Kind())
	}
	return nil
}

func (s shell) info(p string) error {
	n, err := s.f.GetNode(p)
	if err != nil {
		return err
	}
	switch v := n.(type) {
	case *tables.Table:
		fmt.Fprintf(s.out, "%s: Table, %d rows\n", v.Path(), v.NRows())
		for _, c := range v.Cols() {
			mark := ""
			if c.IsIndexed() {
				mark = " (indexed)"
			}
			fmt.Fprintf(s.out, "  %-20s %s%s\n", c.Name, c.Atom, mark)
		}
		fmt.Fprintf(s.out, "  filters: %s\n", v.Filters())
	case *tables.Array:
		fmt.Fprintf(s.out, "%s: %s %v of %s, byteorder %s\n", v.Path(), v.Kind(), v.Shape(), v.Atom(), v.ByteOrder())
		fmt.Fprintf(s.out, "  filters: %s\n", v.Filters())
	default:
		fmt.Fprintf(s.out, "%s: %s\n", n.Path(), n.Kind())
	}
	return nil
}

func (s shell) table(p string) (*tables.Table, error) {
	n, err := s.f.GetNode(p)
	if err != nil {
		return nil, err
	}
	t, ok := n.(*tables.Table)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a table", n.Path(), n.Kind())
	}
	return t, nil
}

func (s shell) where(p, cond string) error {
	t, err := s.table(p)
	if err != nil {
		return err
	}
	used, err := t.WillQueryUseIndexing(cond, nil)
	if err != nil {
		return err
	}
	count := 0
	it := t.Where(cond, nil)
	for it.Next() {
		vals, err := it.Row().Values()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "[%d] %v\n", it.Row().Nrow(), vals)
		count++
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d rows (indexes used: %v)\n", count, used)
	return nil
}

func (s shell) index(p, col string) error {
	t, err := s.table(p)
	if err != nil {
		return err
	}
	ix, err := t.CreateIndex(col)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "indexed %s.%s: version %s, %d elements\n", p, col, ix.Version(), ix.NElements())
	return nil
}
