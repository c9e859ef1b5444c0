package creation

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/event"
	"github.com/devhome-oss/envhost/pkg/gallery"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/devhome-oss/envhost/pkg/resources"
	"github.com/google/uuid"
)

// State is where an Operation is in its lifecycle. Completed is final.
type State int

const (
	StateNotStarted State = iota
	StateInProgress
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Progress is one update delivered to an Operation's subscribers. Transfer
// is nil for plain status updates.
type Progress struct {
	Text       string
	Percentage uint32
	Transfer   *progress.ByteTransfer
}

// Store records run history.
type Store interface {
	CreateOperation(ctx context.Context, op *db.Operation) error
	UpdateOperation(ctx context.Context, op *db.Operation) error
}

// Operation creates one VM from one gallery image. It runs at most once:
// Start while running reports contention, and Start after completion
// returns the first run's Result.
type Operation struct {
	id       string
	input    UserInput
	pipeline *Pipeline
	logger   *slog.Logger
	events   *event.Broadcaster[Progress]

	mu              sync.Mutex
	state           State
	cancel          context.CancelFunc
	cancelRequested bool
	result          *Result
	image           *gallery.Image
	archivePath     string
}

// NewOperation returns an Operation that has not started.
func NewOperation(p *Pipeline, input UserInput) *Operation {
	id := uuid.NewString()
	logger := p.deps.Logger.With("operation_id", id)
	return &Operation{
		id:       id,
		input:    input,
		pipeline: p,
		logger:   logger,
		events:   event.NewBroadcaster[Progress]("creation", logger),
	}
}

// ID identifies the run in logs and history.
func (o *Operation) ID() string { return o.id }

// Input returns what the operation was created with.
func (o *Operation) Input() UserInput { return o.input }

// State returns the lifecycle state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Image returns the resolved gallery image, nil before resolution.
func (o *Operation) Image() *gallery.Image {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.image
}

// ArchivePath returns the local archive path once known.
func (o *Operation) ArchivePath() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.archivePath
}

// Result returns the final result, nil until completed.
func (o *Operation) Result() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.result
}

// Subscribe registers fn for progress updates. Updates arrive on a single
// goroutine, in order.
func (o *Operation) Subscribe(fn func(Progress)) *event.Subscription {
	return o.events.Subscribe(fn)
}

// Cancel stops the run if it has not reached VM registration. Calling it
// before Start makes Start return a canceled result.
func (o *Operation) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelRequested = true
	if o.cancel != nil {
		o.cancel()
	}
}

// StartAsync runs Start on its own goroutine and delivers the result on
// the returned channel.
func (o *Operation) StartAsync(ctx context.Context) <-chan *Result {
	ch := make(chan *Result, 1)
	go func() {
		ch <- o.Start(ctx)
		close(ch)
	}()
	return ch
}

// Start runs the pipeline and blocks until it finishes. It never panics
// and always returns a non-nil Result.
func (o *Operation) Start(ctx context.Context) *Result {
	strs := o.pipeline.Strings()

	o.mu.Lock()
	switch o.state {
	case StateInProgress:
		o.mu.Unlock()
		o.logger.Warn("creation_already_in_progress")
		return failure(errors.New(errors.KindContention, strs.Get(resources.OperationInProgress)), "")
	case StateCompleted:
		r := o.result
		o.mu.Unlock()
		return r
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.state = StateInProgress
	o.cancel = cancel
	if o.cancelRequested {
		cancel()
	}
	o.mu.Unlock()

	start := time.Now()
	o.logger.Info("creation_start", "image_index", o.input.ImageIndex, "vm_name", o.input.VMName)

	result := o.run(runCtx)
	cancel()

	// Subscribers see every update before Start returns.
	o.events.Close()

	o.mu.Lock()
	o.result = result
	o.state = StateCompleted
	o.cancel = nil
	o.mu.Unlock()

	switch {
	case result.Succeeded():
		o.logger.Info("creation_complete", "vm_id", result.VM.ID, "duration_ms", time.Since(start).Milliseconds())
	case result.Kind() == errors.KindCanceled:
		o.logger.Info("creation_canceled", "duration_ms", time.Since(start).Milliseconds())
	default:
		o.logger.Error("creation_failed",
			"kind", result.Kind().String(),
			"error", result.DiagnosticText,
			"duration_ms", time.Since(start).Milliseconds())
	}
	return result
}

func (o *Operation) run(ctx context.Context) (result *Result) {
	strs := o.pipeline.Strings()
	job := &Job{OperationID: o.id, Input: o.input}
	var rec *db.Operation

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unexpected failure: %v", r)
			o.logger.Error("creation_panic", "error", err, "stack", string(debug.Stack()))
			result = failure(err, strs.Get(resources.OperationFailed, err.Error()))
		}
		o.finishRecord(ctx, rec, job, result)
	}()

	if err := o.pipeline.Validate(job); err != nil {
		return failure(err, "")
	}

	if err := o.pipeline.ResolveImage(ctx, job); err != nil {
		return failure(err, "")
	}
	o.mu.Lock()
	o.image = job.Image
	o.mu.Unlock()

	rec = o.startRecord(ctx, job)

	if err := o.pipeline.FetchArchive(ctx, job, o); err != nil {
		return failure(err, "")
	}
	o.mu.Lock()
	o.archivePath = job.ArchivePath
	o.mu.Unlock()

	o.updateRecord(ctx, rec, job, db.StatusExtracting)
	if err := o.pipeline.ExtractDisk(ctx, job, o); err != nil {
		return failure(err, "")
	}

	o.updateRecord(ctx, rec, job, db.StatusRegistering)
	o.ReportStatus(strs.Get(resources.CreationInProgress, job.Input.VMName), 0)
	if err := o.pipeline.RegisterVM(ctx, job); err != nil {
		return failure(err, "")
	}

	return success(job.VM)
}

// ReportTransfer implements progress.Sink. Extraction updates name the
// archive as well as the image.
func (o *Operation) ReportTransfer(b progress.ByteTransfer) {
	o.mu.Lock()
	img, archivePath := o.image, o.archivePath
	o.mu.Unlock()

	name := ""
	if img != nil {
		name = img.Name
	}

	strs := o.pipeline.Strings()
	var text string
	switch b.Kind {
	case progress.KindArchiveExtraction:
		display := fmt.Sprintf("%s (%s)", filepath.Base(archivePath), name)
		text = strs.Get(resources.ExtractionProgress, display, b.String())
	default:
		text = strs.Get(resources.DownloadProgress, name, b.String())
	}

	o.events.Publish(Progress{Text: text, Percentage: b.Percentage(), Transfer: &b})
}

// ReportStatus publishes a plain status line.
func (o *Operation) ReportStatus(text string, percentage uint32) {
	o.events.Publish(Progress{Text: text, Percentage: percentage})
}

func (o *Operation) startRecord(ctx context.Context, job *Job) *db.Operation {
	store := o.pipeline.deps.Store
	if store == nil {
		return nil
	}
	rec := &db.Operation{
		ID:        o.id,
		ImageName: job.Image.Name,
		ImageHash: job.Image.Disk.Hash,
		VMName:    job.Input.VMName,
		Status:    db.StatusDownloading,
	}
	if err := store.CreateOperation(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("creation_record_failed", "error", err)
		return nil
	}
	return rec
}

func (o *Operation) updateRecord(ctx context.Context, rec *db.Operation, job *Job, status string) {
	if rec == nil {
		return
	}
	rec.Status = status
	rec.ArchivePath = job.ArchivePath
	rec.DiskPath = job.DiskPath
	if job.VM != nil {
		rec.VMID = job.VM.ID
	}
	if err := o.pipeline.deps.Store.UpdateOperation(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("creation_record_failed", "status", status, "error", err)
	}
}

func (o *Operation) finishRecord(ctx context.Context, rec *db.Operation, job *Job, result *Result) {
	if rec == nil || result == nil {
		return
	}
	status := db.StatusReady
	switch {
	case result.Kind() == errors.KindCanceled:
		status = db.StatusCanceled
	case !result.Succeeded():
		status = db.StatusFailed
	}
	if !result.Succeeded() {
		rec.ErrorKind = result.Kind().String()
		rec.ErrorMessage = result.DisplayMessage
	}
	o.updateRecord(ctx, rec, job, status)
}
