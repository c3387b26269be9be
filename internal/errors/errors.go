package errors

import (
	"errors"
	"fmt"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Code classifies a terminal update failure. A nil error means success; every
// non-nil error produced by the core carries exactly one Code.
type Code int

const (
	// CodeError covers hashing failures, writer failures, scheduling
	// failures and the cancellation path.
	CodeError Code = iota + 1

	// CodeFilesystemVerifier means a partition device could not be
	// resolved, opened or fully read to its declared size.
	CodeFilesystemVerifier

	// CodeNewRootfsVerification means a freshly written partition hashed
	// to something other than its expected target hash.
	CodeNewRootfsVerification

	// CodeDownloadTransfer means the underlying byte stream reported
	// failure.
	CodeDownloadTransfer

	// CodePayloadVerification means the completed payload did not match
	// its expected hash or size.
	CodePayloadVerification
)

func (c Code) String() string {
	switch c {
	case CodeError:
		return "ERROR"
	case CodeFilesystemVerifier:
		return "FILESYSTEM_VERIFIER"
	case CodeNewRootfsVerification:
		return "NEW_ROOTFS_VERIFICATION"
	case CodeDownloadTransfer:
		return "DOWNLOAD_TRANSFER"
	case CodePayloadVerification:
		return "PAYLOAD_VERIFICATION"
	default:
		return "UNKNOWN"
	}
}

// UpdateError is the single terminal error type surfaced by the core's state
// machines.
type UpdateError struct {
	Err      error  // underlying cause
	Code     Code   // terminal classification
	Resource string // what was being processed (device path, url, ...)
}

func (e *UpdateError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("[%s] %v", e.Code, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Code, e.Resource, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// NewFilesystemVerifierError creates a resolution/IO error for partition
// verification.
func NewFilesystemVerifierError(err error, resource string) *UpdateError {
	return &UpdateError{Err: err, Code: CodeFilesystemVerifier, Resource: resource}
}

// NewRootfsVerificationError creates a content-mismatch error. This is
// distinct from an IO error: the partition was readable, it just holds
// different bytes than expected.
func NewRootfsVerificationError(err error, resource string) *UpdateError {
	return &UpdateError{Err: err, Code: CodeNewRootfsVerification, Resource: resource}
}

// NewTransferError creates an error for a failed byte-stream transfer.
func NewTransferError(err error, resource string) *UpdateError {
	return &UpdateError{Err: err, Code: CodeDownloadTransfer, Resource: resource}
}

// NewPayloadVerificationError creates an error for a downloaded payload whose
// contents do not match the expected hash or size.
func NewPayloadVerificationError(err error, resource string) *UpdateError {
	return &UpdateError{Err: err, Code: CodePayloadVerification, Resource: resource}
}

// NewGenericError wraps any other failure, including cancellation.
func NewGenericError(err error, resource string) *UpdateError {
	return &UpdateError{Err: err, Code: CodeError, Resource: resource}
}

// CodeOf extracts the classification from an error. Unclassified errors map
// to CodeError; a nil error maps to 0.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}

	var ue *UpdateError
	if errors.As(err, &ue) {
		return ue.Code
	}

	return CodeError
}

// IsCode reports whether err carries the given classification.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
