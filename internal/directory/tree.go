// Package directory implements the hierarchical namespace: a tree of named entries, each naming
// the header sector of a file or directory, with path resolution relative to a root and a
// current directory.
//
// Nodes live in an arena and link to each other by index. Every node keeps its first child and
// its next sibling; siblings are ordered newest first. Lookup is linear in the number of siblings.
//
// A Tree is not safe for concurrent use.
package directory

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// MaxNameLen is the longest name, in bytes, a single entry may have.
const MaxNameLen = 255

// RootName is the name stored for the root directory.
const RootName = "/"

// NodeID addresses a node in the tree's arena.
type NodeID int32

const noNode NodeID = -1

type node struct {
	name        string
	isDir       bool
	sector      types.SectorID
	parent      NodeID
	firstChild  NodeID
	nextSibling NodeID
}

// Entry describes one resolved name.
type Entry struct {
	Name   string
	Path   string
	IsDir  bool
	Sector types.SectorID
	Depth  int
}

// Tree is the namespace of one filesystem.
type Tree struct {
	nodes  []node
	free   []NodeID
	root   NodeID
	cwd    NodeID
	logger *slog.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger used for resolution traces.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a tree holding only the root directory, whose header is at types.RootSector.
// The root is also the current directory.
func New(opts ...Option) *Tree {
	t := &Tree{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(t)
	}
	t.reset()
	return t
}

func (t *Tree) reset() {
	t.nodes = t.nodes[:0]
	t.free = t.free[:0]
	t.root = t.newNode(RootName, true, types.RootSector, noNode)
	t.cwd = t.root
}

func (t *Tree) newNode(name string, isDir bool, sector types.SectorID, parent NodeID) NodeID {
	n := node{
		name:        name,
		isDir:       isDir,
		sector:      sector,
		parent:      parent,
		firstChild:  noNode,
		nextSibling: noNode,
	}
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *Tree) releaseNode(id NodeID) {
	t.nodes[id] = node{parent: noNode, firstChild: noNode, nextSibling: noNode, sector: types.InvalidSector}
	t.free = append(t.free, id)
}

// Len returns the number of entries, the root included.
func (t *Tree) Len() int {
	return len(t.nodes) - len(t.free)
}

// resolve walks every component of path but the last and returns the directory reached along
// with the final component.
func (t *Tree) resolve(path string) (NodeID, string, error) {
	if path == "" {
		return noNode, "", fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}

	dir := t.cwd
	rest := path
	switch {
	case strings.HasPrefix(path, "./"):
		rest = path[2:]
	case strings.HasPrefix(path, "/"):
		dir = t.root
		rest = path[1:]
	}

	components := strings.Split(rest, "/")
	final := components[len(components)-1]
	for _, name := range components[:len(components)-1] {
		if name == ".." {
			if dir == t.root {
				t.logger.Debug("Path climbs above root", "path", path)
				return noNode, "", fmt.Errorf("%w: %s climbs above root", types.ErrNotFound, path)
			}
			dir = t.nodes[dir].parent
			continue
		}

		child := t.child(dir, name)
		if child == noNode || !t.nodes[child].isDir {
			t.logger.Debug("Directory not found", "path", path, "component", name)
			return noNode, "", fmt.Errorf("%w: directory %q in %s", types.ErrNotFound, name, path)
		}
		dir = child
	}
	return dir, final, nil
}

// lookup resolves path to a node. An empty final component names the directory reached so far
// and a final ".." names its parent.
func (t *Tree) lookup(path string) (NodeID, error) {
	dir, final, err := t.resolve(path)
	if err != nil {
		return noNode, err
	}

	switch final {
	case "":
		return dir, nil
	case "..":
		if dir == t.root {
			return noNode, fmt.Errorf("%w: %s climbs above root", types.ErrNotFound, path)
		}
		return t.nodes[dir].parent, nil
	}

	child := t.child(dir, final)
	if child == noNode {
		t.logger.Debug("File not found", "path", path)
		return noNode, fmt.Errorf("%w: %s", types.ErrNotFound, path)
	}
	return child, nil
}

func (t *Tree) child(dir NodeID, name string) NodeID {
	for c := t.nodes[dir].firstChild; c != noNode; c = t.nodes[c].nextSibling {
		if t.nodes[c].name == name {
			return c
		}
	}
	return noNode
}

// Find returns the header sector of the entry at path.
func (t *Tree) Find(path string) (types.SectorID, error) {
	id, err := t.lookup(path)
	if err != nil {
		return types.InvalidSector, err
	}
	return t.nodes[id].sector, nil
}

// Lookup returns the entry at path.
func (t *Tree) Lookup(path string) (Entry, error) {
	id, err := t.lookup(path)
	if err != nil {
		return Entry{}, err
	}
	return t.entry(id, t.pathOf(id), 0), nil
}

func (t *Tree) entry(id NodeID, path string, depth int) Entry {
	n := t.nodes[id]
	return Entry{Name: n.name, Path: path, IsDir: n.isDir, Sector: n.sector, Depth: depth}
}

// ValidName reports whether name can be given to a new entry.
func ValidName(name string) error {
	switch {
	case name == "", name == "..":
		return fmt.Errorf("%w: name %q is reserved", types.ErrInvalidPath, name)
	case strings.Contains(name, "/"):
		return fmt.Errorf("%w: name %q contains a separator", types.ErrInvalidPath, name)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: name is %d bytes, limit is %d", types.ErrInvalidPath, len(name), MaxNameLen)
	}
	return nil
}

// Add creates an entry at path naming the header in sector.
func (t *Tree) Add(path string, sector types.SectorID, isDir bool) error {
	dir, final, err := t.resolve(path)
	if err != nil {
		return err
	}
	if err := ValidName(final); err != nil {
		return err
	}
	if t.child(dir, final) != noNode {
		return fmt.Errorf("%w: %s", types.ErrAlreadyExists, path)
	}

	id := t.newNode(final, isDir, sector, dir)
	t.nodes[id].nextSibling = t.nodes[dir].firstChild
	t.nodes[dir].firstChild = id
	return nil
}

// Remove deletes the entry at path. The root, a directory that still has entries and the
// current directory cannot be removed.
func (t *Tree) Remove(path string) error {
	id, err := t.lookup(path)
	if err != nil {
		return err
	}

	switch {
	case id == t.root:
		return fmt.Errorf("%w: cannot remove the root directory", types.ErrInvalidOperation)
	case t.nodes[id].firstChild != noNode:
		return fmt.Errorf("%w: %s", types.ErrNotEmpty, path)
	case id == t.cwd:
		return fmt.Errorf("%w: %s is the current directory", types.ErrBusy, path)
	}

	parent := t.nodes[id].parent
	if t.nodes[parent].firstChild == id {
		t.nodes[parent].firstChild = t.nodes[id].nextSibling
	} else {
		prev := t.nodes[parent].firstChild
		for prev != noNode && t.nodes[prev].nextSibling != id {
			prev = t.nodes[prev].nextSibling
		}
		if prev == noNode {
			panic(fmt.Sprintf("directory: %q missing from the sibling chain of its parent", t.nodes[id].name))
		}
		t.nodes[prev].nextSibling = t.nodes[id].nextSibling
	}
	t.releaseNode(id)
	return nil
}

// Chdir makes the directory at path the current directory.
func (t *Tree) Chdir(path string) error {
	id, err := t.lookup(path)
	if err != nil {
		return err
	}
	if !t.nodes[id].isDir {
		return fmt.Errorf("%w: %s is not a directory", types.ErrInvalidOperation, path)
	}
	t.cwd = id
	return nil
}

// Cwd returns the absolute path of the current directory.
func (t *Tree) Cwd() string {
	return t.pathOf(t.cwd)
}

func (t *Tree) pathOf(id NodeID) string {
	if id == t.root {
		return RootName
	}
	var names []string
	for ; id != t.root; id = t.nodes[id].parent {
		names = append(names, t.nodes[id].name)
	}
	var b strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		b.WriteString("/")
		b.WriteString(names[i])
	}
	return b.String()
}

// Children lists the entries directly inside the directory at path, newest first.
func (t *Tree) Children(path string) ([]Entry, error) {
	id, err := t.lookup(path)
	if err != nil {
		return nil, err
	}
	if !t.nodes[id].isDir {
		return nil, fmt.Errorf("%w: %s is not a directory", types.ErrInvalidOperation, path)
	}

	base := t.pathOf(id)
	var entries []Entry
	for c := t.nodes[id].firstChild; c != noNode; c = t.nodes[c].nextSibling {
		entries = append(entries, t.entry(c, joinPath(base, t.nodes[c].name), 1))
	}
	return entries, nil
}

func joinPath(dir, name string) string {
	if dir == RootName {
		return RootName + name
	}
	return dir + "/" + name
}
