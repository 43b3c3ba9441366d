package log

import (
	"io"
)

/*
Index entries mirror the old on-disk index: the record's offset relative to the segment's base
index and its position in the segment file, 4 + 8 bytes. Entries live in fixed-size blocks so
growing the index never copies what was already written, and the whole arena is dropped with
its segment.
*/

var (
	offWidth uint64 = 4
	posWidth uint64 = 8
	entWidth        = offWidth + posWidth
)

const entriesPerBlock = 1024

var blockWidth = entWidth * entriesPerBlock

type index struct {
	blocks [][]byte
	// The number of bytes of entries written, i.e. entries * entWidth.
	size uint64
}

func newIndex() *index {
	return &index{}
}

// Read takes an offset relative to the segment's base and returns the stored relative offset
// and the record's position in the segment file. -1 reads the last entry.
func (i *index) Read(offset int64) (out uint32, pos uint64, err error) {
	if i.size == 0 {
		return 0, 0, io.EOF
	}

	if offset == -1 {
		out = uint32((i.size / entWidth) - 1)
	} else {
		out = uint32(offset)
	}

	pos = uint64(out) * entWidth
	if offset < -1 || i.size < pos+entWidth {
		return 0, 0, io.EOF
	}

	b := i.blocks[pos/blockWidth]
	at := pos % blockWidth
	out = enc.Uint32(b[at : at+offWidth])
	pos = enc.Uint64(b[at+offWidth : at+entWidth])
	return out, pos, nil
}

// Write appends the given relative offset and position to the index.
func (i *index) Write(offset uint32, pos uint64) error {
	if uint64(offset) != i.size/entWidth {
		return io.ErrShortWrite
	}
	if i.size/blockWidth == uint64(len(i.blocks)) {
		i.blocks = append(i.blocks, make([]byte, blockWidth))
	}

	b := i.blocks[i.size/blockWidth]
	at := i.size % blockWidth
	enc.PutUint32(b[at:at+offWidth], offset)
	enc.PutUint64(b[at+offWidth:at+entWidth], pos)
	i.size += entWidth
	return nil
}

// Len returns the number of entries.
func (i *index) Len() uint64 {
	return i.size / entWidth
}

// Truncate keeps the first n entries and releases blocks that are no longer needed.
func (i *index) Truncate(n uint64) {
	if n >= i.Len() {
		return
	}
	i.size = n * entWidth
	keep := (i.size + blockWidth - 1) / blockWidth
	for j := keep; j < uint64(len(i.blocks)); j++ {
		i.blocks[j] = nil
	}
	i.blocks = i.blocks[:keep]
}

// Reset discards every entry.
func (i *index) Reset() {
	i.blocks = nil
	i.size = 0
}
