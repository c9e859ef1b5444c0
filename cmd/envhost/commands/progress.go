package commands

import (
	"io"
	"sync"

	"github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/schollz/progressbar/v3"
)

// transferBar renders byte progress, starting a fresh bar whenever the
// transfer kind changes (download, then extraction).
type transferBar struct {
	out io.Writer

	mu   sync.Mutex
	kind progress.Kind
	bar  *progressbar.ProgressBar
}

func newTransferBar(out io.Writer) *transferBar {
	return &transferBar{out: out}
}

func (t *transferBar) ReportTransfer(b progress.ByteTransfer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.bar == nil || b.Kind != t.kind {
		if t.bar != nil {
			_ = t.bar.Finish()
		}
		total := b.TotalBytes
		if total <= 0 {
			total = -1
		}
		t.kind = b.Kind
		t.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(t.out),
			progressbar.OptionSetDescription(b.Kind.String()),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(40),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(t.out, "\n") }),
		)
	}
	_ = t.bar.Set64(b.BytesReceived)
}

func (t *transferBar) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bar != nil {
		_ = t.bar.Finish()
		t.bar = nil
	}
}

// statusBar renders the creation's own progress text and percentage.
type statusBar struct {
	mu   sync.Mutex
	text string
	bar  *progressbar.ProgressBar
}

func newStatusBar(out io.Writer) *statusBar {
	return &statusBar{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(out, "\n") }),
		),
	}
}

func (s *statusBar) Update(p computesystem.CreationProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Text != s.text {
		s.text = p.Text
		s.bar.Describe(p.Text)
	}
	_ = s.bar.Set(int(p.Percentage))
}

func (s *statusBar) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.bar.Finish()
}
