package peercache

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"go.etcd.io/bbolt"

	"github.com/otakit/otakit/internal/errors"
	"github.com/otakit/otakit/internal/logger"
)

const (
	filesBucket    = "files"
	metadataBucket = "metadata"
	schemaVersion  = 1

	payloadExt = ".payload"
)

var ErrFileNotFound = errors.New("peer-cache file not found")

// Manager is the peer-cache capability: allocation, lookup and visibility of
// payload files shared with local peers.
type Manager interface {
	// FileShare reserves a cache file of the full expected size. New
	// files start out invisible to peers.
	FileShare(id string, expectedSize uint64) error
	// FileGetPath returns the file's path, or "" if id is unknown or the
	// file is gone.
	FileGetPath(id string) string
	FileMakeVisible(id string) error
	FileGetVisible(id string) (bool, error)
	FileDelete(id string) error
}

// FileID derives the content-addressed cache identifier for a payload.
// Attempts for the same payload map to the same file regardless of URL.
func FileID(payloadHash []byte, payloadSize uint64) string {
	buf := make([]byte, 0, len(payloadHash)+8)
	buf = append(buf, payloadHash...)
	buf = binary.BigEndian.AppendUint64(buf, payloadSize)

	return fmt.Sprintf("cros_au:%s:%d", digest.FromBytes(buf).Encoded(), payloadSize)
}

type fileRecord struct {
	ID           string    `json:"id"`
	ExpectedSize uint64    `json:"expectedSize"`
	Visible      bool      `json:"visible"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FileManager stores shared payload files in a directory, pre-sized to their
// full payload length, with per-file metadata (expected size, visibility) in
// a bbolt database.
type FileManager struct {
	dir string
	db  *bbolt.DB
}

var _ Manager = (*FileManager)(nil)

func NewFileManager(dir, dbPath string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create peer-cache directory: %w", err)
	}

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open peer-cache database: %w", err)
	}

	m := &FileManager{dir: dir, db: db}
	if err := m.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return m, nil
}

func (m *FileManager) initialize() error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(filesBucket)); err != nil {
			return fmt.Errorf("failed to create files bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}

		return meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion)))
	})
}

func (m *FileManager) Close() error {
	return m.db.Close()
}

func (m *FileManager) filePath(id string) string {
	// The id contains ':' which is fine on the filesystems we care
	// about, but keep names conservative anyway.
	return filepath.Join(m.dir, digest.FromString(id).Encoded()+payloadExt)
}

// FileShare reserves a cache file of expectedSize bytes. If the id is already
// known with the same expected size, the existing file and its visibility are
// kept, so resumed attempts keep appending to the same share.
func (m *FileManager) FileShare(id string, expectedSize uint64) error {
	path := m.filePath(id)

	rec, err := m.getRecord(id)
	if err == nil && rec.ExpectedSize == expectedSize {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create peer-cache file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(expectedSize)); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to allocate %d bytes for peer-cache file: %w", expectedSize, err)
	}

	return m.putRecord(fileRecord{
		ID:           id,
		ExpectedSize: expectedSize,
		Visible:      false,
		CreatedAt:    time.Now(),
	})
}

func (m *FileManager) FileGetPath(id string) string {
	if _, err := m.getRecord(id); err != nil {
		return ""
	}

	path := m.filePath(id)
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	return path
}

func (m *FileManager) FileMakeVisible(id string) error {
	rec, err := m.getRecord(id)
	if err != nil {
		return err
	}

	rec.Visible = true

	return m.putRecord(rec)
}

func (m *FileManager) FileGetVisible(id string) (bool, error) {
	rec, err := m.getRecord(id)
	if err != nil {
		return false, err
	}

	return rec.Visible, nil
}

// FileDelete removes the cache file and its metadata. Missing pieces are not
// an error; the point is that no peer can observe the file afterwards.
func (m *FileManager) FileDelete(id string) error {
	path := m.filePath(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Errorf("Error deleting peer-cache file %s: %v", path, err)
		return err
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(filesBucket)).Delete([]byte(id))
	})
}

func (m *FileManager) getRecord(id string) (fileRecord, error) {
	var rec fileRecord

	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(filesBucket)).Get([]byte(id))
		if data == nil {
			return ErrFileNotFound
		}
		return json.Unmarshal(data, &rec)
	})

	return rec, err
}

func (m *FileManager) putRecord(rec fileRecord) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal peer-cache record: %w", err)
		}
		return tx.Bucket([]byte(filesBucket)).Put([]byte(rec.ID), data)
	})
}
