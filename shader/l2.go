package shader

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// l2 is the on-disk, one-file-per-artifact tier. A sidecar next to Dir
// records the host identity the files were written under and the set of
// keys present; on identity mismatch the whole tier is discarded before
// any lookup is attempted.
type l2 struct {
	dir  string
	lock *flock.Flock // guards the sidecar read-modify-write across processes

	mu   sync.Mutex
	keys map[Key]struct{}
}

func openL2(dir string, id Identity) (*l2, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("shader: create L2 dir: %w", err)
	}
	sc := sidecarPath(dir)
	l := &l2{dir: dir, lock: flock.New(sc + ".lock"), keys: make(map[Key]struct{})}

	locked, err := l.lock.TryLock()
	if err == nil && locked {
		defer l.lock.Unlock()
	}

	onDisk, keys, err := readSidecar(sc)
	if err != nil {
		if os.IsNotExist(err) {
			// No sidecar yet: first run, nothing to validate or discard.
			return l, writeSidecar(sc, id, nil)
		}
		return nil, err
	}
	if !onDisk.Matches(id) {
		if err := l.discardAll(); err != nil {
			return nil, err
		}
		return l, writeSidecar(sc, id, nil)
	}
	for _, k := range keys {
		l.keys[k] = struct{}{}
	}
	return l, nil
}

func (l *l2) path(k Key) string {
	return filepath.Join(l.dir, fmt.Sprintf("%016x.bin", uint64(k)))
}

func (l *l2) Get(k Key) ([]byte, bool) {
	l.mu.Lock()
	_, known := l.keys[k]
	l.mu.Unlock()
	if !known {
		return nil, false
	}
	b, err := os.ReadFile(l.path(k))
	if err != nil {
		return nil, false
	}
	return b, true
}

func (l *l2) Put(k Key, bytes []byte, id Identity) error {
	if err := os.WriteFile(l.path(k), bytes, 0o644); err != nil {
		return err
	}
	l.mu.Lock()
	l.keys[k] = struct{}{}
	keys := make([]Key, 0, len(l.keys))
	for kk := range l.keys {
		keys = append(keys, kk)
	}
	l.mu.Unlock()

	locked, err := l.lock.TryLock()
	if err == nil && locked {
		defer l.lock.Unlock()
	}
	return writeSidecar(sidecarPath(l.dir), id, keys)
}

// discardAll removes every .bin artifact file in the directory, plus the
// sidecar itself, leaving an empty directory behind a
// host-identity mismatch.
func (l *l2) discardAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" {
			if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
				return err
			}
		}
	}
	l.mu.Lock()
	l.keys = make(map[Key]struct{})
	l.mu.Unlock()
	return os.Remove(sidecarPath(l.dir))
}

// Count reports how many artifact files currently live in the directory.
func (l *l2) Count() int {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".bin" {
			n++
		}
	}
	return n
}
