// Package progress carries byte-transfer progress from downloaders and
// extractors to whoever is watching a creation operation.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"
)

// Kind tags a transfer report so consumers can tell download progress from
// archive extraction progress.
type Kind int

const (
	KindDownload Kind = iota
	KindArchiveExtraction
)

func (k Kind) String() string {
	switch k {
	case KindDownload:
		return "download"
	case KindArchiveExtraction:
		return "archive_extraction"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ByteTransfer is a point-in-time transfer report.
type ByteTransfer struct {
	Kind          Kind
	BytesReceived int64
	TotalBytes    int64
}

// Percentage returns the completed share truncated to a whole percent.
// An unknown or zero total reports 0 until the total is known; the result
// never exceeds 100.
func (b ByteTransfer) Percentage() uint32 {
	if b.TotalBytes <= 0 || b.BytesReceived <= 0 {
		return 0
	}
	if b.BytesReceived >= b.TotalBytes {
		return 100
	}
	return uint32(float64(b.BytesReceived) / float64(b.TotalBytes) * 100)
}

// String formats the transfer as "received/total" with human byte units.
func (b ByteTransfer) String() string {
	return FormatBytes(b.BytesReceived) + "/" + FormatBytes(b.TotalBytes)
}

// FormatBytes renders a byte count for display. Negative counts render as "?".
func FormatBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.Bytes(uint64(n))
}

// Sink receives transfer reports. Implementations must tolerate calls from
// any goroutine.
type Sink interface {
	ReportTransfer(ByteTransfer)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ByteTransfer)

func (f SinkFunc) ReportTransfer(b ByteTransfer) { f(b) }

// Discard is a Sink that drops every report.
var Discard Sink = SinkFunc(func(ByteTransfer) {})

// Counter is an io.Writer that counts bytes and forwards throttled reports
// to a Sink. Counts are monotonically non-decreasing.
type Counter struct {
	kind     Kind
	total    int64
	sink     Sink
	throttle *rate.Sometimes

	mu      sync.Mutex
	written int64
}

// NewCounter returns a Counter reporting at most once per interval. A zero
// interval reports on every write. total may be -1 when unknown.
func NewCounter(kind Kind, total int64, sink Sink, interval time.Duration) *Counter {
	if sink == nil {
		sink = Discard
	}
	throttle := &rate.Sometimes{First: 1, Interval: interval}
	if interval <= 0 {
		throttle = &rate.Sometimes{Every: 1}
	}
	return &Counter{
		kind:     kind,
		total:    total,
		sink:     sink,
		throttle: throttle,
	}
}

func (c *Counter) Write(p []byte) (int, error) {
	c.mu.Lock()
	c.written += int64(len(p))
	c.mu.Unlock()

	c.throttle.Do(c.emit)
	return len(p), nil
}

// Written returns the bytes counted so far.
func (c *Counter) Written() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written
}

// Finish emits a final report regardless of throttling.
func (c *Counter) Finish() {
	c.emit()
}

func (c *Counter) emit() {
	c.mu.Lock()
	report := ByteTransfer{Kind: c.kind, BytesReceived: c.written, TotalBytes: c.total}
	c.mu.Unlock()
	c.sink.ReportTransfer(report)
}

// DefaultInterval bounds how often collaborators report progress.
const DefaultInterval = 250 * time.Millisecond
