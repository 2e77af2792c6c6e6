package directory

import (
	"fmt"
	"io"
	"strings"

	"github.com/deploymenttheory/go-idxfs/internal/fileheader"
	"github.com/deploymenttheory/go-idxfs/internal/interfaces"
)

type frame struct {
	id     NodeID
	depth  int
	parent string
}

// Walker visits every entry of a tree in pre-order: a directory, then its contents, then its
// later siblings. A Walker cannot be restarted and must not outlive changes to the tree.
type Walker struct {
	tree  *Tree
	stack []frame
}

// List returns a walker over the whole tree, starting at the root.
func (t *Tree) List() *Walker {
	return &Walker{tree: t, stack: []frame{{id: t.root}}}
}

// Next returns the next entry, or false once every entry has been visited.
func (w *Walker) Next() (Entry, bool) {
	if len(w.stack) == 0 {
		return Entry{}, false
	}
	f := w.stack[len(w.stack)-1]
	w.stack = w.stack[:len(w.stack)-1]

	n := w.tree.nodes[f.id]
	path := RootName
	if f.id != w.tree.root {
		path = joinPath(f.parent, n.name)
	}

	if n.nextSibling != noNode {
		w.stack = append(w.stack, frame{id: n.nextSibling, depth: f.depth, parent: f.parent})
	}
	if n.firstChild != noNode {
		w.stack = append(w.stack, frame{id: n.firstChild, depth: f.depth + 1, parent: path})
	}
	return w.tree.entry(f.id, path, f.depth), true
}

// Print writes an indented listing of the tree followed by each entry's file header.
func (t *Tree) Print(w io.Writer, dev interfaces.BlockDevice) error {
	walker := t.List()
	for e, ok := walker.Next(); ok; e, ok = walker.Next() {
		if _, err := fmt.Fprintf(w, "%sFile: %s, Sector: %d, isdir: %t\n",
			strings.Repeat("\t", e.Depth), e.Name, e.Sector, e.IsDir); err != nil {
			return err
		}
	}
	if dev == nil {
		return nil
	}

	if _, err := fmt.Fprintln(w, "Directory contents:"); err != nil {
		return err
	}
	walker = t.List()
	for e, ok := walker.Next(); ok; e, ok = walker.Next() {
		if _, err := fmt.Fprintf(w, "Name: %s, Sector: %d\n", e.Path, e.Sector); err != nil {
			return err
		}
		hdr, err := fileheader.New(dev)
		if err != nil {
			return err
		}
		if err := hdr.FetchFrom(e.Sector); err != nil {
			return err
		}
		if err := hdr.Print(w); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
