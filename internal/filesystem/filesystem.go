package filesystem

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Introspector exposes the size lookups the verifier needs when it has to
// synthesize the legacy partition list.
type Introspector interface {
	// FileSize returns the size in bytes of a regular file or block device.
	FileSize(path string) (int64, error)
	// BlockCountAndSize returns the block count and block size of the
	// filesystem at path.
	BlockCountAndSize(path string) (int64, int64, error)
}

// OSIntrospector implements Introspector with OS calls.
type OSIntrospector struct{}

func NewOSIntrospector() *OSIntrospector {
	return &OSIntrospector{}
}

// FileSize stats path; block devices report zero from stat, so those are
// sized by seeking to the end.
func (fs *OSIntrospector) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return -1, err
	}

	if info.Mode().IsRegular() {
		return info.Size(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return -1, err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return -1, fmt.Errorf("failed to seek to end of %s: %w", path, err)
	}

	return size, nil
}

// BlockCountAndSize reports the filesystem geometry at path via statfs. The
// path must be inside a mounted filesystem.
func (fs *OSIntrospector) BlockCountAndSize(path string) (int64, int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	return int64(st.Blocks), int64(st.Bsize), nil
}
