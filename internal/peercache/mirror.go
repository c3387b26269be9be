package peercache

import (
	"io"
	"os"

	"github.com/otakit/otakit/internal/logger"
)

// Mirror duplicates downloaded payload bytes into the peer-cache file as a
// best-effort side channel. Setup is lazy, on the first write. Any failure --
// allocation, open, a size inconsistency, seek, short write -- deletes the
// cache file and disengages the mirror for the rest of the transfer: a
// corrupt cache is never repaired, only removed so no peer observes bad data.
type Mirror struct {
	manager Manager
	fileID  string
	size    uint64

	file    *os.File
	visible bool
}

// NewMirror creates a mirror for the given content id. The expected payload
// size is reserved up front on first write so arbitrary-offset writes stay in
// bounds as long as the file is intact.
func NewMirror(manager Manager, fileID string, payloadSize uint64) *Mirror {
	return &Mirror{
		manager: manager,
		fileID:  fileID,
		size:    payloadSize,
	}
}

// Active reports whether the mirror currently has the cache file open.
func (m *Mirror) Active() bool {
	return m.file != nil
}

// Visible reports the peer visibility observed when the mirror engaged.
func (m *Mirror) Visible() bool {
	return m.visible
}

// MakeVisible advertises the file to peers.
func (m *Mirror) MakeVisible() {
	if m.fileID == "" {
		return
	}
	if err := m.manager.FileMakeVisible(m.fileID); err != nil {
		logger.Errorf("Error making peer-cache file %s visible: %v", m.fileID, err)
		return
	}
	m.visible = true
}

// Write mirrors a chunk at the given payload offset. Failures never
// propagate; they disengage the mirror instead.
func (m *Mirror) Write(p []byte, offset int64) {
	if m.fileID == "" {
		return
	}

	if m.file == nil {
		if !m.setup() {
			return
		}
	}

	// The file must be at least offset bytes long. If it is not, the
	// cache was truncated or evicted behind our back (a crashed resume,
	// for example) and must be deleted before peers time out on it.
	info, err := m.file.Stat()
	if err != nil {
		logger.Errorf("Error getting file status for peer-cache file: %v", err)
		m.drop(true)
		return
	}
	if info.Size() < offset {
		logger.Errorf("Wanting to write to file offset %d but existing peer-cache file is only %d bytes",
			offset, info.Size())
		m.drop(true)
		return
	}

	if _, err := m.file.Seek(offset, io.SeekStart); err != nil {
		logger.Errorf("Error seeking to position %d in peer-cache file: %v", offset, err)
		m.drop(true)
		return
	}

	if n, err := m.file.Write(p); err != nil || n != len(p) {
		logger.Errorf("Error writing %d bytes at file offset %d in peer-cache file: %v", len(p), offset, err)
		m.drop(true)
	}
}

func (m *Mirror) setup() bool {
	if err := m.manager.FileShare(m.fileID, m.size); err != nil {
		logger.Errorf("Unable to share file via peer cache: %v", err)
		m.drop(true)
		return false
	}

	path := m.manager.FileGetPath(m.fileID)
	if path == "" {
		logger.Errorf("Peer-cache file for %s has no path after reservation", m.fileID)
		m.drop(true)
		return false
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		logger.Errorf("Error opening peer-cache file %s: %v", path, err)
		m.drop(true)
		return false
	}

	// Peers read the file over a separate transport, so it must be
	// world-readable no matter what the process umask was.
	if err := f.Chmod(0o644); err != nil {
		logger.Errorf("Error setting mode 0644 on %s: %v", path, err)
		f.Close()
		m.drop(true)
		return false
	}

	m.file = f
	m.visible, _ = m.manager.FileGetVisible(m.fileID)

	logger.Infof("Writing payload contents to %s", path)

	return true
}

// Close releases the cache file descriptor, optionally deleting the file.
// Safe to call on every coordinator exit path, engaged or not.
func (m *Mirror) Close(deleteFile bool) {
	m.drop(deleteFile)
}

func (m *Mirror) drop(deleteFile bool) {
	if m.file != nil {
		if err := m.file.Close(); err != nil {
			logger.Errorf("Error closing peer-cache file: %v", err)
		}
		m.file = nil
	}

	if deleteFile && m.fileID != "" {
		if err := m.manager.FileDelete(m.fileID); err != nil {
			logger.Errorf("Error deleting peer-cache file %s: %v", m.fileID, err)
		} else {
			logger.Infof("Deleted peer-cache file %s", m.fileID)
		}
	}

	// Don't use the peer cache from this point onwards.
	m.fileID = ""
}
