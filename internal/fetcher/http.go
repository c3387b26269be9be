package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/otakit/otakit/internal/logger"
)

const readBufferSize = 32 * 1024

var errStalled = errors.New("transfer below low-speed limit")

// HTTP streams a URL over net/http, delivering chunks to the delegate in
// order from one goroutine. Failed attempts are retried with jittered
// exponential backoff, resuming from the current offset via a Range header.
type HTTP struct {
	delegate Delegate

	offset         int64
	lowSpeedBps    int64
	lowSpeedWindow time.Duration
	maxRetries     int
	connectTimeout time.Duration
	retryDelay     time.Duration

	cancel     context.CancelFunc
	terminated atomic.Bool
	running    atomic.Bool
}

var _ Fetcher = (*HTTP)(nil)

func NewHTTP() *HTTP {
	return &HTTP{
		maxRetries:     3,
		connectTimeout: 30 * time.Second,
		retryDelay:     2 * time.Second,
	}
}

func (h *HTTP) SetDelegate(d Delegate) { h.delegate = d }

func (h *HTTP) SetOffset(offset int64) { h.offset = offset }

func (h *HTTP) SetLowSpeedLimit(bps int64, window time.Duration) {
	h.lowSpeedBps = bps
	h.lowSpeedWindow = window
}

func (h *HTTP) SetMaxRetryCount(n int) { h.maxRetries = n }

func (h *HTTP) SetConnectTimeout(d time.Duration) { h.connectTimeout = d }

// Offset returns the current cumulative stream offset.
func (h *HTTP) Offset() int64 { return h.offset }

func (h *HTTP) BeginTransfer(url string) {
	if !h.running.CompareAndSwap(false, true) {
		logger.Warnf("BeginTransfer called while a transfer is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go h.run(ctx, url)
}

func (h *HTTP) TerminateTransfer() {
	h.terminated.Store(true)
	if h.cancel != nil {
		h.cancel()
	}

	if !h.running.Load() {
		// No transfer goroutine to report termination; do it from a
		// fresh one so the callback is still asynchronous.
		go h.delegate.TransferTerminated(h)
	}
}

func (h *HTTP) run(ctx context.Context, url string) {
	defer h.running.Store(false)

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: h.connectTimeout}).DialContext,
		},
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = h.fetch(ctx, client, url)
		if err == nil || h.terminated.Load() {
			break
		}

		if attempt >= h.maxRetries {
			logger.Errorf("Transfer of %s failed after %d retries: %v", url, h.maxRetries, err)
			break
		}

		backoff := calculateBackoff(attempt, h.retryDelay)
		logger.Debugf("Waiting %v before retrying transfer of %s (attempt %d/%d)",
			backoff, url, attempt+1, h.maxRetries)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}

		if h.terminated.Load() {
			break
		}
	}

	if h.terminated.Load() {
		h.delegate.TransferTerminated(h)
		return
	}

	h.delegate.TransferComplete(h, err == nil)
}

func (h *HTTP) fetch(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if h.offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", h.offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	// A 200 on a ranged request means the server restarted from zero;
	// skip ahead so offsets stay consistent.
	if h.offset > 0 && resp.StatusCode != http.StatusPartialContent {
		if _, err := io.CopyN(io.Discard, resp.Body, h.offset); err != nil {
			return fmt.Errorf("failed to skip to offset %d: %w", h.offset, err)
		}
	}

	buf := make([]byte, readBufferSize)
	windowStart := time.Now()
	windowBytes := int64(0)

	for {
		n, err := resp.Body.Read(buf)

		if n > 0 {
			h.delegate.ReceivedBytes(h, buf[:n])
			h.offset += int64(n)
			windowBytes += int64(n)
		}

		if h.terminated.Load() {
			return ctx.Err()
		}

		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if h.lowSpeedBps > 0 && time.Since(windowStart) >= h.lowSpeedWindow {
			if windowBytes < h.lowSpeedBps*int64(h.lowSpeedWindow/time.Second) {
				logger.Warnf("Transfer of %s stalled: %d bytes in %v", url, windowBytes, h.lowSpeedWindow)
				return errStalled
			}
			windowStart = time.Now()
			windowBytes = 0
		}
	}
}

// calculateBackoff calculates a backoff duration with jitter.
func calculateBackoff(retryCount int, baseDelay time.Duration) time.Duration {
	delay := baseDelay * (1 << uint(retryCount))

	jitterFactor := 0.75 + 0.5*rand.Float64()
	jitter := time.Duration(float64(delay) * jitterFactor)

	maxDelay := 2 * time.Minute
	if jitter > maxDelay {
		jitter = maxDelay
	}

	return jitter
}
