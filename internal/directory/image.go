package directory

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"

	"github.com/deploymenttheory/go-idxfs/internal/types"
)

// Directory image layout (little endian):
//
//	0   [4]byte magic "IDXD"
//	4   uint16  version
//	6   uint16  reserved
//	8   uint32  node count
//	12  uint32  payload length
//	16  payload
//	    [32]byte BLAKE3-256 of the payload
//
// The payload is the tree in pre-order, one record per node:
//
//	uint8  flags (flagDir, flagChild, flagSibling)
//	int32  header sector
//	uint8  name length
//	name bytes
//
// A record is followed by its first child's subtree when flagChild is set, then by its next
// sibling's record when flagSibling is set.
const (
	imageMagic      = "IDXD"
	imageVersion    = 1
	imageHeaderSize = 16
	digestSize      = 32
	recordFixedSize = 6

	flagDir     = 1 << 0
	flagChild   = 1 << 1
	flagSibling = 1 << 2
)

// WriteTo serializes the tree as a directory image. The current directory is not saved.
func (t *Tree) WriteTo(w io.Writer) (int64, error) {
	var payload bytes.Buffer
	count := 0

	stack := []NodeID{t.root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.nodes[id]

		var flags byte
		if n.isDir {
			flags |= flagDir
		}
		if n.firstChild != noNode {
			flags |= flagChild
		}
		if n.nextSibling != noNode {
			flags |= flagSibling
		}

		var record [recordFixedSize]byte
		record[0] = flags
		binary.LittleEndian.PutUint32(record[1:5], uint32(n.sector))
		record[5] = byte(len(n.name))
		payload.Write(record[:])
		payload.WriteString(n.name)
		count++

		// The child subtree comes before the sibling, so the sibling is pushed first.
		if n.nextSibling != noNode {
			stack = append(stack, n.nextSibling)
		}
		if n.firstChild != noNode {
			stack = append(stack, n.firstChild)
		}
	}

	image := make([]byte, imageHeaderSize, imageHeaderSize+payload.Len()+digestSize)
	copy(image[0:4], imageMagic)
	binary.LittleEndian.PutUint16(image[4:6], imageVersion)
	binary.LittleEndian.PutUint32(image[8:12], uint32(count))
	binary.LittleEndian.PutUint32(image[12:16], uint32(payload.Len()))
	image = append(image, payload.Bytes()...)
	digest := blake3.Sum256(payload.Bytes())
	image = append(image, digest[:]...)

	n, err := w.Write(image)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write directory image: %w", err)
	}
	return int64(n), nil
}

// ReadFrom replaces the tree with the image read from r and makes the root the current
// directory. The tree is left untouched when the image is invalid.
func (t *Tree) ReadFrom(r io.Reader) (int64, error) {
	var header [imageHeaderSize]byte
	read, err := io.ReadFull(r, header[:])
	if err != nil {
		return int64(read), fmt.Errorf("%w: reading header: %v", types.ErrCorruptImage, err)
	}
	if string(header[0:4]) != imageMagic {
		return int64(read), fmt.Errorf("%w: bad magic %q", types.ErrCorruptImage, header[0:4])
	}
	if version := binary.LittleEndian.Uint16(header[4:6]); version != imageVersion {
		return int64(read), fmt.Errorf("%w: unsupported version %d", types.ErrCorruptImage, version)
	}
	count := int(binary.LittleEndian.Uint32(header[8:12]))
	payloadLen := int(binary.LittleEndian.Uint32(header[12:16]))
	if count < 1 || payloadLen < count*recordFixedSize || payloadLen > count*(recordFixedSize+MaxNameLen) {
		return int64(read), fmt.Errorf("%w: %d nodes in %d bytes", types.ErrCorruptImage, count, payloadLen)
	}

	body := make([]byte, payloadLen+digestSize)
	n, err := io.ReadFull(r, body)
	read += n
	if err != nil {
		return int64(read), fmt.Errorf("%w: reading payload: %v", types.ErrCorruptImage, err)
	}
	payload := body[:payloadLen]
	if digest := blake3.Sum256(payload); !bytes.Equal(digest[:], body[payloadLen:]) {
		return int64(read), fmt.Errorf("%w: digest mismatch", types.ErrCorruptImage)
	}

	decoded, err := decodeTree(payload, count, t.logger)
	if err != nil {
		return int64(read), err
	}
	*t = *decoded
	return int64(read), nil
}

type record struct {
	flags  byte
	sector types.SectorID
	name   string
}

type decoder struct {
	payload []byte
	off     int
}

func (d *decoder) next() (record, error) {
	if len(d.payload)-d.off < recordFixedSize {
		return record{}, fmt.Errorf("%w: truncated record at %d", types.ErrCorruptImage, d.off)
	}
	fixed := d.payload[d.off : d.off+recordFixedSize]
	nameLen := int(fixed[5])
	d.off += recordFixedSize
	if len(d.payload)-d.off < nameLen {
		return record{}, fmt.Errorf("%w: truncated name at %d", types.ErrCorruptImage, d.off)
	}

	rec := record{
		flags:  fixed[0],
		sector: types.SectorID(int32(binary.LittleEndian.Uint32(fixed[1:5]))),
		name:   string(d.payload[d.off : d.off+nameLen]),
	}
	d.off += nameLen

	if rec.flags&^(flagDir|flagChild|flagSibling) != 0 {
		return record{}, fmt.Errorf("%w: unknown flags %#x", types.ErrCorruptImage, rec.flags)
	}
	if rec.flags&flagChild != 0 && rec.flags&flagDir == 0 {
		return record{}, fmt.Errorf("%w: file %q has children", types.ErrCorruptImage, rec.name)
	}
	if !rec.sector.Valid() {
		return record{}, fmt.Errorf("%w: %q has sector %d", types.ErrCorruptImage, rec.name, rec.sector)
	}
	return rec, nil
}

type slot struct {
	parent NodeID
	prev   NodeID
}

func decodeTree(payload []byte, count int, logger *slog.Logger) (*Tree, error) {
	d := &decoder{payload: payload}
	tree := &Tree{logger: logger}

	root, err := d.next()
	if err != nil {
		return nil, err
	}
	if root.name != RootName || root.flags&flagDir == 0 || root.flags&flagSibling != 0 {
		return nil, fmt.Errorf("%w: bad root record %q", types.ErrCorruptImage, root.name)
	}
	tree.root = tree.newNode(RootName, true, root.sector, noNode)
	tree.cwd = tree.root

	var stack []slot
	if root.flags&flagChild != 0 {
		stack = append(stack, slot{parent: tree.root, prev: noNode})
	}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rec, err := d.next()
		if err != nil {
			return nil, err
		}
		if err := ValidName(rec.name); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrCorruptImage, err)
		}
		if tree.child(s.parent, rec.name) != noNode {
			return nil, fmt.Errorf("%w: duplicate name %q", types.ErrCorruptImage, rec.name)
		}

		id := tree.newNode(rec.name, rec.flags&flagDir != 0, rec.sector, s.parent)
		if s.prev == noNode {
			tree.nodes[s.parent].firstChild = id
		} else {
			tree.nodes[s.prev].nextSibling = id
		}

		if rec.flags&flagSibling != 0 {
			stack = append(stack, slot{parent: s.parent, prev: id})
		}
		if rec.flags&flagChild != 0 {
			stack = append(stack, slot{parent: id, prev: noNode})
		}
	}

	if len(tree.nodes) != count || d.off != len(payload) {
		return nil, fmt.Errorf("%w: decoded %d of %d nodes, %d of %d bytes",
			types.ErrCorruptImage, len(tree.nodes), count, d.off, len(payload))
	}
	return tree, nil
}
