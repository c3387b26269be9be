package fetcher

import "time"

// Delegate receives the transfer lifecycle callbacks. All callbacks for one
// transfer are delivered sequentially from a single goroutine, in stream
// order.
type Delegate interface {
	// ReceivedBytes hands over the next chunk. The buffer is only valid
	// for the duration of the call.
	ReceivedBytes(f Fetcher, p []byte)
	// TransferComplete fires once when the transfer ends on its own,
	// successfully or not.
	TransferComplete(f Fetcher, successful bool)
	// TransferTerminated fires instead of TransferComplete when the
	// transfer was explicitly terminated.
	TransferTerminated(f Fetcher)
}

// Fetcher is the pluggable byte-stream source the download coordinator
// drives. The HTTP implementation is the production transport; tests inject
// their own.
type Fetcher interface {
	SetDelegate(d Delegate)

	// BeginTransfer starts streaming from url. Non-blocking; bytes arrive
	// via the delegate.
	BeginTransfer(url string)

	// TerminateTransfer asks the stream to stop. TransferTerminated is
	// reported asynchronously once the stream has actually wound down,
	// never synchronously from this call.
	TerminateTransfer()

	// SetOffset resumes the stream at the given byte offset.
	SetOffset(offset int64)

	// SetLowSpeedLimit aborts a transfer attempt whose throughput stays
	// under bps for a whole window. Zero disables the check.
	SetLowSpeedLimit(bps int64, window time.Duration)

	SetMaxRetryCount(n int)
	SetConnectTimeout(d time.Duration)
}
