package shader

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Identity is the (format version, build identifier, graphics device
// identifier) triple
// that keys on-disk artifact validity. A sidecar whose Identity does not
// match the current process's is never loaded; the stale files are
// deleted instead.
type Identity struct {
	Version int
	Build   string
	GPU     string
}

// Matches reports whether other was written by a process with the same
// version/build/GPU triple.
func (id Identity) Matches(other Identity) bool {
	return id.Version == other.Version && id.Build == other.Build && id.GPU == other.GPU
}

// readSidecar parses the L2 directory's sidecar: the header lines
// "version=<integer>\nbuild=<build-id>\ngpu=<host-gpu-identity>\n"
// followed by one hex key per line.
func readSidecar(path string) (Identity, []Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Identity{}, nil, err
	}
	defer f.Close()

	var id Identity
	var keys []Key
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			// Bare lines (no '=') are keys, one per line, per the L2
			// sidecar's "one key per line" format.
			if n, perr := strconv.ParseUint(line, 16, 64); perr == nil {
				keys = append(keys, Key(n))
			}
			continue
		}
		switch k {
		case "version":
			id.Version, _ = strconv.Atoi(v)
		case "build":
			id.Build = v
		case "gpu":
			id.GPU = v
		}
	}
	return id, keys, sc.Err()
}

// writeSidecar rewrites the sidecar atomically (temp file + rename), so
// a crash mid-flush never leaves a torn sidecar behind.
func writeSidecar(path string, id Identity, keys []Key) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "version=%d\n", id.Version)
	fmt.Fprintf(w, "build=%s\n", id.Build)
	fmt.Fprintf(w, "gpu=%s\n", id.GPU)
	for _, k := range keys {
		fmt.Fprintf(w, "%016x\n", uint64(k))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// sidecarPath: the sidecar lives next to the directory it describes as
// "<cache-dir>.meta", named after it.
func sidecarPath(dir string) string {
	return filepath.Clean(dir) + ".meta"
}
