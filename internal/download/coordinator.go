package download

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/otakit/otakit/internal/boot"
	"github.com/otakit/otakit/internal/errors"
	"github.com/otakit/otakit/internal/fetcher"
	"github.com/otakit/otakit/internal/logger"
	"github.com/otakit/otakit/internal/payload"
	"github.com/otakit/otakit/internal/peercache"
	"github.com/otakit/otakit/internal/plan"
	"github.com/otakit/otakit/internal/policy"
	"github.com/otakit/otakit/internal/status"
)

// Delegate receives download progress notifications.
type Delegate interface {
	SetDownloadStatus(active bool)
	BytesReceived(bytesReceived, total uint64)
}

// Transport tuning used when the payload is fetched from a local peer rather
// than the update server: a peer on the LAN either answers fast or is gone,
// so retries are cheap and stalls are detected aggressively.
const (
	peerLowSpeedLimitBps = 1
	peerLowSpeedWindow   = 30 * time.Second
	peerMaxRetryCount    = 5
	peerConnectTimeout   = 10 * time.Second
)

// Coordinator drives one payload transfer: it fans every received chunk out
// to the payload writer and the peer-cache mirror, tracks the cumulative
// offset, and verifies the complete payload when the stream ends. It is the
// fetcher's delegate; all fetcher callbacks arrive sequentially.
type Coordinator struct {
	boot   boot.Controller
	cache  peercache.Manager
	policy policy.Source
	fetch  fetcher.Fetcher

	delegate Delegate
	writer   payload.Writer

	mu         sync.Mutex
	p          plan.Plan
	offset     int64
	mirror     *peercache.Mirror
	writerOpen bool
	writerErr  error
	forward    plan.Plan
	forwarded  bool
	finished   bool

	cancelled atomic.Bool
	st        atomic.Int32

	done chan error
}

var _ fetcher.Delegate = (*Coordinator)(nil)

type Option func(*Coordinator)

// WithWriter injects a payload writer instead of the default spool writer.
// The delta-apply engine plugs in here.
func WithWriter(w payload.Writer) Option {
	return func(c *Coordinator) { c.writer = w }
}

// WithDelegate registers an optional progress delegate.
func WithDelegate(d Delegate) Option {
	return func(c *Coordinator) { c.delegate = d }
}

func New(bootCtl boot.Controller, cache peercache.Manager, pol policy.Source, f fetcher.Fetcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		boot:   bootCtl,
		cache:  cache,
		policy: pol,
		fetch:  f,
		done:   make(chan error, 1),
	}
	c.st.Store(status.Pending)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SeekToOffset sets the cumulative stream offset before Start, for resumed
// transfers. The transport resumes the actual byte stream from the same
// offset.
func (c *Coordinator) SeekToOffset(offset int64) {
	c.offset = offset
}

// Start begins the asynchronous transfer described by p. The terminal
// outcome is delivered exactly once on Result().
func (c *Coordinator) Start(p plan.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.p = p.Clone()
	c.st.Store(status.Active)
	if c.delegate != nil {
		c.delegate.SetDownloadStatus(true)
	}

	c.p.Dump()

	logger.Infof("Marking new slot as unbootable")
	if err := c.boot.MarkSlotUnbootable(c.p.TargetSlot); err != nil {
		logger.Warnf("Unable to mark new slot %s. Proceeding with the update anyway.", c.p.TargetSlot)
	}

	if c.writer == nil {
		w, err := payload.NewFileWriter(c.spoolPath(), c.p.MetadataSize)
		if err != nil {
			logger.Errorf("Unable to create payload writer: %v", err)
			c.finishLocked(errors.NewGenericError(err, c.p.DownloadURL))
			return
		}
		c.writer = w
	} else {
		logger.Infof("Using injected writer.")
	}
	c.writerOpen = true

	fileID := peercache.FileID(c.p.PayloadHash, c.p.PayloadSize)
	if c.policy.UsingPeerSharingForUpload() {
		// Store the mirror to convey that we should write to the file.
		c.mirror = peercache.NewMirror(c.cache, fileID, c.p.PayloadSize)
		logger.Infof("peer-cache file id: %s", fileID)
	} else if path := c.cache.FileGetPath(fileID); path != "" {
		// Even without sharing there may be a partial file from a
		// previous attempt with the same hash. Leaving it would time
		// out peers downloading from us, since we are never going to
		// complete it.
		if err := c.cache.FileDelete(fileID); err != nil {
			logger.Errorf("Error deleting peer-cache file %s: %v", path, err)
		} else {
			logger.Infof("Deleting partial peer-cache file %s since we're not sharing.", path)
		}
	}

	if c.policy.UsingPeerSharingForDownload() && c.policy.PeerURL() == c.p.DownloadURL {
		logger.Infof("Tweaking fetcher since we're downloading via a local peer")
		c.fetch.SetLowSpeedLimit(peerLowSpeedLimitBps, peerLowSpeedWindow)
		c.fetch.SetMaxRetryCount(peerMaxRetryCount)
		c.fetch.SetConnectTimeout(peerConnectTimeout)
	}

	c.fetch.SetDelegate(c)
	c.fetch.SetOffset(c.offset)
	c.fetch.BeginTransfer(c.p.DownloadURL)
}

func (c *Coordinator) spoolPath() string {
	name := fmt.Sprintf("payload-%s", digest.FromBytes(c.p.PayloadHash).Encoded()[:16])
	return filepath.Join(os.TempDir(), name)
}

// ReceivedBytes handles one chunk of the stream: mirror, advance offset,
// report progress, feed the writer.
func (c *Coordinator) ReceivedBytes(f fetcher.Fetcher, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancelled.Load() || c.finished {
		return
	}

	if c.mirror != nil {
		c.mirror.Write(b, c.offset)
	}

	c.offset += int64(len(b))
	if c.delegate != nil {
		c.delegate.BytesReceived(uint64(c.offset), c.p.PayloadSize)
	}

	if err := c.writer.Write(b); err != nil {
		logger.Errorf("Error %v in the writer when processing the received payload -- terminating processing", err)
		c.writerErr = err
		if c.mirror != nil {
			c.mirror.Close(true)
			c.mirror = nil
		}
		// Don't report completion until the stream confirms
		// termination; callbacks may still be in flight.
		c.terminateLocked()
		return
	}

	if c.mirror != nil && c.mirror.Active() && !c.mirror.Visible() && c.writer.IsManifestValid() {
		logger.Infof("Manifest has been validated. Making peer-cache file visible.")
		c.mirror.MakeVisible()
	}
}

// TransferComplete finalizes the download once the stream ends on its own.
func (c *Coordinator) TransferComplete(f fetcher.Fetcher, successful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeWriterLocked()
	if c.delegate != nil {
		c.delegate.SetDownloadStatus(false)
	}

	// A callback that lands after cancellation is redirected to the
	// failure cleanup path regardless of its own result.
	if c.cancelled.Load() {
		c.finishLocked(errors.NewGenericError(context.Canceled, c.p.DownloadURL))
		return
	}

	var err error
	if !successful {
		err = errors.NewTransferError(errors.New("transfer failed"), c.p.DownloadURL)
	} else if verr := c.writer.VerifyPayload(c.p.PayloadHash, c.p.PayloadSize); verr != nil {
		logger.Errorf("Download of %s failed due to payload verification error.", c.p.DownloadURL)
		err = verr
		if c.mirror != nil {
			// The cache would propagate corrupt data to peers.
			c.mirror.Close(true)
			c.mirror = nil
		}
	}

	c.finishLocked(err)
}

// TransferTerminated fires after an explicit termination, either external or
// from a writer failure.
func (c *Coordinator) TransferTerminated(f fetcher.Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writerErr != nil {
		c.finishLocked(c.writerErr)
		return
	}

	if c.cancelled.Load() {
		c.finishLocked(errors.NewGenericError(context.Canceled, c.p.DownloadURL))
	}
}

// TerminateProcessing cancels the transfer. The peer-cache file is kept; a
// later attempt for the same payload resumes filling it. Completion is still
// reported asynchronously once the stream confirms termination.
func (c *Coordinator) TerminateProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.terminateLocked()
}

func (c *Coordinator) terminateLocked() {
	if c.cancelled.Swap(true) {
		return
	}

	c.closeWriterLocked()
	if c.delegate != nil {
		c.delegate.SetDownloadStatus(false)
	}
	if c.mirror != nil {
		c.mirror.Close(false)
		c.mirror = nil
	}

	c.fetch.TerminateTransfer()
}

func (c *Coordinator) closeWriterLocked() {
	if !c.writerOpen {
		return
	}
	c.writerOpen = false

	if err := c.writer.Close(); err != nil {
		logger.Warnf("Error closing the writer: %v", err)
	}
}

func (c *Coordinator) finishLocked(err error) {
	if c.finished {
		return
	}
	c.finished = true

	if c.mirror != nil {
		c.mirror.Close(false)
		c.mirror = nil
	}

	switch {
	case err == nil:
		c.forward = c.p
		c.forwarded = true
		c.st.Store(status.Completed)
	case c.cancelled.Load() && c.writerErr == nil:
		c.st.Store(status.Cancelled)
	default:
		c.st.Store(status.Failed)
	}

	c.done <- err
}

// Result delivers the single terminal outcome of the transfer.
func (c *Coordinator) Result() <-chan error {
	return c.done
}

// Plan returns the forwarded plan. Only valid after a successful result.
func (c *Coordinator) Plan() (plan.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.forward, c.forwarded
}

func (c *Coordinator) Status() status.Status {
	return c.st.Load()
}

// BytesReceived returns the current cumulative offset.
func (c *Coordinator) BytesReceived() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offset
}
