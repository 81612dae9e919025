package shader

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// l3 is the append-only, whole-cache-in-one-file archive tier. It exists
// for the cold-start case: shipping or downloading one compressed blob of
// every artifact a title needs beats touching thousands of small L2 files
// the first time a game runs. Its on-disk shape is a flat sequence of
// length-prefixed compressed records:
//
//	key      uint64 LE
//	length   uint32 LE   (length of the compressed payload that follows)
//	payload  []byte       (flate-compressed artifact bytes)
//
// one record per Put, newest-wins on replay, which is the same
// append-then-replay-to-build-an-index discipline a sequential tape
// device uses: nothing is ever rewritten in place, and the index is
// rebuilt by scanning from the front exactly once at open time.
type l3 struct {
	mu   sync.Mutex
	path string
	f    *os.File

	index map[Key]l3Span
}

type l3Span struct {
	offset int64
	length int64
}

const l3RecordHeaderSize = 8 + 4

func openL3(path string) (*l3, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shader: open L3 archive: %w", err)
	}
	l := &l3{path: path, f: f, index: make(map[Key]l3Span)}
	if err := l.rebuildIndex(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// rebuildIndex replays every record from the start of the file, letting
// a later record for the same Key shadow an earlier one — the archive
// never truncates a stale record, it only appends a fresher one.
func (l *l3) rebuildIndex() error {
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdr [l3RecordHeaderSize]byte
	var offset int64
	for {
		if _, err := io.ReadFull(l.f, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				// Truncated trailing record from a crash mid-append; stop
				// here rather than treating it as corrupt.
				break
			}
			return err
		}
		key := Key(binary.LittleEndian.Uint64(hdr[0:8]))
		length := int64(binary.LittleEndian.Uint32(hdr[8:12]))
		payloadOffset := offset + l3RecordHeaderSize
		if _, err := l.f.Seek(length, io.SeekCurrent); err != nil {
			return err
		}
		l.index[key] = l3Span{offset: payloadOffset, length: length}
		offset = payloadOffset + length
	}
	return nil
}

func (l *l3) Get(k Key) ([]byte, bool) {
	l.mu.Lock()
	span, ok := l.index[k]
	l.mu.Unlock()
	if !ok {
		return nil, false
	}

	compressed := make([]byte, span.length)
	l.mu.Lock()
	_, err := l.f.ReadAt(compressed, span.offset)
	l.mu.Unlock()
	if err != nil {
		return nil, false
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Put appends a new record; it never rewrites an existing one, matching
// the single-writer append-only discipline described above.
func (l *l3) Put(k Key, raw []byte) error {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	compressed := buf.Bytes()

	l.mu.Lock()
	defer l.mu.Unlock()

	end, err := l.f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	var hdr [l3RecordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], uint64(k))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(compressed)))
	if _, err := l.f.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := l.f.Write(compressed); err != nil {
		return err
	}
	l.index[k] = l3Span{offset: end + l3RecordHeaderSize, length: int64(len(compressed))}
	return nil
}

func (l *l3) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

// Compact rewrites the archive keeping only the live record per key,
// dropping shadowed ones accumulated by repeated Puts for the same Key.
// Called from the cache's shutdown flush, not on every write, since it
// needs a full copy of the file.
func (l *l3) Compact() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	newIndex := make(map[Key]l3Span, len(l.index))
	var offset int64
	for k, span := range l.index {
		payload := make([]byte, span.length)
		if _, err := l.f.ReadAt(payload, span.offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		var hdr [l3RecordHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[0:8], uint64(k))
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
		if _, err := tmp.Write(hdr[:]); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := tmp.Write(payload); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		newIndex[k] = l3Span{offset: offset + l3RecordHeaderSize, length: span.length}
		offset += l3RecordHeaderSize + span.length
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := l.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	l.f = f
	l.index = newIndex
	return nil
}

func (l *l3) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
