package log

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"
)

var (
	enc = binary.BigEndian

	crcTable = crc32.MakeTable(crc32.Castagnoli)

	// errStoreBroken means a write failed in a way that may have cost acknowledged records.
	// The store accepts no more appends.
	errStoreBroken = errors.New("store: acknowledged records could not be written")
)

// Every segment file starts with a header: segment id, base index and creation time.
// Records follow back to back: payload length, index, checksum over index and payload, payload.
const (
	headerWidth = 24

	lenWidth = 4
	idxWidth = 8
	crcWidth = 4
	recWidth = lenWidth + idxWidth + crcWidth
)

type header struct {
	id        uint64
	base      uint64
	createdAt time.Time
}

func (h header) encode() []byte {
	b := make([]byte, headerWidth)
	enc.PutUint64(b[0:8], h.id)
	enc.PutUint64(b[8:16], h.base)
	enc.PutUint64(b[16:24], uint64(h.createdAt.UnixNano()))
	return b
}

func decodeHeader(b []byte) header {
	return header{
		id:        enc.Uint64(b[0:8]),
		base:      enc.Uint64(b[8:16]),
		createdAt: time.Unix(0, int64(enc.Uint64(b[16:24]))),
	}
}

func checksum(idx, p []byte) uint32 {
	return crc32.Update(crc32.Checksum(idx, crcTable), crcTable, p)
}

// frameError describes why bytes on disk are not a valid record.
type frameError string

func (e frameError) Error() string { return string(e) }

// readRecord reads and verifies the record at pos. size is the number of readable bytes in r.
func readRecord(r io.ReaderAt, pos, size uint64) (uint64, []byte, error) {
	if pos+recWidth > size {
		return 0, nil, frameError("truncated record header")
	}
	var hdr [recWidth]byte
	if _, err := r.ReadAt(hdr[:], int64(pos)); err != nil {
		return 0, nil, err
	}
	n := uint64(enc.Uint32(hdr[:lenWidth]))
	if pos+recWidth+n > size {
		return 0, nil, frameError("truncated record payload")
	}
	p := make([]byte, n)
	if n > 0 {
		if _, err := r.ReadAt(p, int64(pos+recWidth)); err != nil {
			return 0, nil, err
		}
	}
	if enc.Uint32(hdr[lenWidth+idxWidth:]) != checksum(hdr[lenWidth:lenWidth+idxWidth], p) {
		return 0, nil, frameError("checksum mismatch")
	}
	return enc.Uint64(hdr[lenWidth : lenWidth+idxWidth]), p, nil
}

// store is the writable side of the active segment's file.
type store struct {
	*os.File
	mu   sync.Mutex
	out  io.Writer
	buf  *bufio.Writer
	size uint64
	err  error
}

// newStore wraps a file opened for appending. size is the number of valid bytes, which can be
// smaller than the file when recovery cut a torn tail off.
func newStore(f *os.File, size uint64) *store {
	return &store{
		File: f,
		out:  f,
		size: size,
		buf:  bufio.NewWriter(f),
	}
}

// Append buffers a record and returns the number of bytes written and its position.
// On error nothing of the record remains in the file and earlier records are untouched.
func (s *store) Append(index uint64, p []byte) (n uint64, pos uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, 0, s.err
	}
	pos = s.size
	n = recWidth + uint64(len(p))
	// earlier records go out first, so a failed write only leaves bytes of this one behind
	if uint64(s.buf.Available()) < n {
		if err = s.buf.Flush(); err != nil {
			return 0, 0, s.broke(err)
		}
	}

	var hdr [recWidth]byte
	enc.PutUint32(hdr[:lenWidth], uint32(len(p)))
	enc.PutUint64(hdr[lenWidth:lenWidth+idxWidth], index)
	enc.PutUint32(hdr[lenWidth+idxWidth:], checksum(hdr[lenWidth:lenWidth+idxWidth], p))

	if _, err = s.buf.Write(hdr[:]); err == nil {
		_, err = s.buf.Write(p)
	}
	if err != nil {
		s.buf.Reset(s.out)
		if terr := s.File.Truncate(int64(pos)); terr != nil {
			return 0, 0, s.broke(errors.Join(err, terr))
		}
		return 0, 0, err
	}

	s.size += n
	return n, pos, nil
}

// rollback removes the last appended record, which starts at pos.
func (s *store) rollback(pos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return s.broke(err)
	}
	if err := s.File.Truncate(int64(pos)); err != nil {
		return s.broke(err)
	}
	s.size = pos
	return nil
}

func (s *store) broke(err error) error {
	s.err = fmt.Errorf("%w: %w", errStoreBroken, err)
	return s.err
}

// Read returns the index and payload of the record at pos.
func (s *store) Read(pos uint64) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// readers must see every acknowledged append, buffered or not
	if err := s.buf.Flush(); err != nil {
		return 0, nil, err
	}
	return readRecord(s.File, pos, s.size)
}

// ReadAt reads len(p) bytes into p starting at the off offset in the store's file.
func (s *store) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return 0, err
	}
	if uint64(off) >= s.size {
		return 0, io.EOF
	}
	if rem := s.size - uint64(off); uint64(len(p)) > rem {
		n, err := s.File.ReadAt(p[:rem], off)
		if err == nil {
			err = io.EOF
		}
		return n, err
	}
	return s.File.ReadAt(p, off)
}

// Sync pushes buffered records to the file and forces them to stable storage.
// The buffer is drained under the lock; the fsync itself does not block readers.
func (s *store) Sync() error {
	s.mu.Lock()
	err := s.buf.Flush()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return datasync(s.File)
}

// Truncate cuts the file back to pos.
func (s *store) Truncate(pos uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.buf.Flush(); err != nil {
		return err
	}
	if err := s.File.Truncate(int64(pos)); err != nil {
		return err
	}
	s.size = pos
	return nil
}

func (s *store) Size() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.buf.Flush()
	if cerr := s.File.Close(); err == nil {
		err = cerr
	}
	return err
}
