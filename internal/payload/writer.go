package payload

import (
	"bytes"
	"fmt"
	"os"

	"github.com/otakit/otakit/internal/errors"
	"github.com/otakit/otakit/internal/hash"
	"github.com/otakit/otakit/internal/logger"
)

// Writer is the contract the download coordinator drives. The delta-apply
// engine implements it externally; FileWriter below implements it for full
// payloads and tests.
type Writer interface {
	// Write consumes the next chunk of the payload stream. A non-nil
	// error is fatal to the whole download.
	Write(p []byte) error
	// Close releases the writer. Returns the first error it ran into, but
	// callers treat close failures as best-effort.
	Close() error
	// IsManifestValid reports whether enough of the payload has been
	// consumed for its manifest to have been parsed and accepted.
	IsManifestValid() bool
	// VerifyPayload checks the complete consumed payload against the
	// expected hash and size.
	VerifyPayload(expectedHash []byte, expectedSize uint64) error
}

// FileWriter streams payload bytes into a destination file while hashing them
// incrementally. The manifest is considered valid once metadataSize bytes
// have been consumed.
type FileWriter struct {
	path         string
	file         *os.File
	calc         *hash.Calculator
	written      uint64
	metadataSize uint64
	closed       bool
}

var _ Writer = (*FileWriter)(nil)

func NewFileWriter(path string, metadataSize uint64) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload file: %w", err)
	}

	return &FileWriter{
		path:         path,
		file:         f,
		calc:         hash.NewCalculator(),
		metadataSize: metadataSize,
	}, nil
}

func (w *FileWriter) Write(p []byte) error {
	if w.closed {
		return errors.NewGenericError(errors.New("write after close"), w.path)
	}

	if _, err := w.file.Write(p); err != nil {
		return errors.NewGenericError(err, w.path)
	}
	if err := w.calc.Update(p); err != nil {
		return errors.NewGenericError(err, w.path)
	}

	w.written += uint64(len(p))

	return nil
}

func (w *FileWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	return w.file.Close()
}

func (w *FileWriter) IsManifestValid() bool {
	return w.written > 0 && w.written >= w.metadataSize
}

// VerifyPayload finalizes the running hash and checks size first, then
// content, so a truncated transfer is reported as such rather than as a hash
// mismatch.
func (w *FileWriter) VerifyPayload(expectedHash []byte, expectedSize uint64) error {
	if w.written != expectedSize {
		logger.Errorf("Payload size mismatch: got %d bytes, expected %d", w.written, expectedSize)
		return errors.NewPayloadVerificationError(
			fmt.Errorf("payload size mismatch: got %d, expected %d", w.written, expectedSize), w.path)
	}

	if err := w.calc.Finalize(); err != nil {
		return errors.NewGenericError(err, w.path)
	}

	if !bytes.Equal(w.calc.RawHash(), expectedHash) {
		logger.Errorf("Payload hash mismatch for %s", w.path)
		return errors.NewPayloadVerificationError(errors.New("payload hash mismatch"), w.path)
	}

	return nil
}

// Path returns the destination file path.
func (w *FileWriter) Path() string {
	return w.path
}
