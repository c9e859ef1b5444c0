package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/devhome-oss/envhost/pkg/creation"
	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/progress"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	pipeline   *creation.Pipeline
	repo       *db.Repository
	sink       progress.Sink
	maxRetries int
}

// NewMachine creates a new FSM machine with dependencies. sink receives
// download and extraction progress and may be nil.
func NewMachine(
	pipeline *creation.Pipeline,
	repo *db.Repository,
	sink progress.Sink,
	maxRetries int,
) *Machine {
	if sink == nil {
		sink = progress.Discard
	}
	return &Machine{
		pipeline:   pipeline,
		repo:       repo,
		sink:       sink,
		maxRetries: maxRetries,
	}
}

// job rebuilds the pipeline state from what earlier transitions persisted.
func job(req *fsm.Request[CreateRequest, CreateResponse], resp *CreateResponse) *creation.Job {
	return &creation.Job{
		OperationID: req.Msg.OperationID,
		Input:       creation.UserInput{ImageIndex: req.Msg.ImageIndex, VMName: req.Msg.VMName},
		Image:       resp.Image,
		ArchivePath: resp.ArchivePath,
		Reused:      resp.Reused,
		DiskPath:    resp.DiskPath,
	}
}

// retryable reports whether a failed step may succeed if run again.
// Network failures are; integrity, extraction and registration failures
// would repeat.
func retryable(err error) bool {
	return errors.KindOf(err) == errors.KindDownload
}

func (m *Machine) checkRetries(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse], resp *CreateResponse) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "operation_id", req.Msg.OperationID, "max_retries", m.maxRetries)
		return m.abort(ctx, req, resp, fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}
	return nil
}

// fail decides between retrying and aborting the run.
func (m *Machine) fail(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse], resp *CreateResponse, err error) error {
	if retryable(err) {
		slog.Warn("fsm_step_retry", "operation_id", req.Msg.OperationID, "error", err)
		return err
	}
	return m.abort(ctx, req, resp, err)
}

// abort records the failure and stops the run.
func (m *Machine) abort(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse], resp *CreateResponse, err error) error {
	status := db.StatusFailed
	if errors.IsCanceled(err) {
		status = db.StatusCanceled
	}
	resp.Status = status
	resp.ErrorKind = errors.KindOf(err).String()
	resp.ErrorMessage = err.Error()

	if resp.Image != nil {
		if uerr := m.repo.UpdateOperationStatus(context.WithoutCancel(ctx), req.Msg.OperationID, status, resp.ErrorKind, resp.ErrorMessage); uerr != nil {
			slog.Error("status_update_failed", "operation_id", req.Msg.OperationID, "status", status, "error", uerr)
		}
	}
	return fsm.Abort(err)
}

func (m *Machine) record(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse], resp *CreateResponse, status string) error {
	op, err := m.repo.GetOperation(ctx, req.Msg.OperationID)
	if err != nil {
		return errors.Wrap(err, "failed to load operation record")
	}
	if op == nil {
		return fmt.Errorf("operation %s not found in database", req.Msg.OperationID)
	}
	op.Status = status
	op.ArchivePath = resp.ArchivePath
	op.DiskPath = resp.DiskPath
	op.VMID = resp.VMID
	if err := m.repo.UpdateOperation(ctx, op); err != nil {
		return errors.Wrap(err, "failed to update operation record")
	}
	resp.Status = status
	return nil
}

// handleResolve fetches the catalog, picks the image and creates the run's
// record. The image is persisted so later steps never re-read the catalog,
// whose order may have changed by the time a run resumes.
func (m *Machine) handleResolve(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse]) (*fsm.Response[CreateResponse], error) {
	slog.Info("fsm_state_resolve", "operation_id", req.Msg.OperationID, "image_index", req.Msg.ImageIndex)

	resp := req.W.Msg
	if resp == nil {
		resp = &CreateResponse{}
	}

	if err := m.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	// Check database (idempotency)
	existing, err := m.repo.GetOperation(ctx, req.Msg.OperationID)
	if err != nil {
		slog.Error("database_check_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "database error"))
	}
	if existing != nil && resp.Image != nil {
		slog.Info("operation_found_continue_processing", "operation_id", existing.ID, "status", existing.Status)
		return fsm.NewResponse(resp), nil
	}

	j := job(req, resp)
	if err := m.pipeline.Validate(j); err != nil {
		return nil, m.abort(ctx, req, resp, err)
	}
	if err := m.pipeline.ResolveImage(ctx, j); err != nil {
		return nil, m.fail(ctx, req, resp, err)
	}
	resp.Image = j.Image

	if existing == nil {
		op := &db.Operation{
			ID:        req.Msg.OperationID,
			ImageName: j.Image.Name,
			ImageHash: j.Image.Disk.Hash,
			VMName:    req.Msg.VMName,
			Status:    db.StatusPending,
		}
		if err := m.repo.CreateOperation(ctx, op); err != nil {
			slog.Error("create_operation_failed", "operation_id", req.Msg.OperationID, "error", err)
			return nil, errors.Wrap(err, "failed to create operation record")
		}
	}
	resp.Status = db.StatusPending

	return fsm.NewResponse(resp), nil
}

// handleDownload makes sure a verified archive is in the temp directory
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse]) (*fsm.Response[CreateResponse], error) {
	slog.Info("fsm_state_download", "operation_id", req.Msg.OperationID)

	resp := req.W.Msg
	if resp == nil || resp.Image == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	if err := m.record(ctx, req, resp, db.StatusDownloading); err != nil {
		slog.Error("status_update_failed", "operation_id", req.Msg.OperationID, "status", db.StatusDownloading, "error", err)
		return nil, err
	}

	j := job(req, resp)
	if err := m.pipeline.FetchArchive(ctx, j, m.sink); err != nil {
		slog.Error("download_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, m.fail(ctx, req, resp, err)
	}

	resp.ArchivePath = j.ArchivePath
	resp.Reused = j.Reused

	return fsm.NewResponse(resp), nil
}

// handleExtract writes the VM disk. A resumed run whose disk was already
// written keeps it.
func (m *Machine) handleExtract(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse]) (*fsm.Response[CreateResponse], error) {
	slog.Info("fsm_state_extract", "operation_id", req.Msg.OperationID)

	resp := req.W.Msg
	if resp == nil || resp.ArchivePath == "" {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	if resp.DiskPath != "" {
		if _, err := os.Stat(resp.DiskPath); err == nil {
			slog.Info("disk_already_extracted", "operation_id", req.Msg.OperationID, "disk_path", resp.DiskPath)
			return fsm.NewResponse(resp), nil
		}
	}

	if err := m.record(ctx, req, resp, db.StatusExtracting); err != nil {
		return nil, err
	}

	j := job(req, resp)
	if err := m.pipeline.ExtractDisk(ctx, j, m.sink); err != nil {
		slog.Error("extraction_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, m.abort(ctx, req, resp, err)
	}

	resp.DiskPath = j.DiskPath

	return fsm.NewResponse(resp), nil
}

// handleRegister hands the disk to the VM host
func (m *Machine) handleRegister(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse]) (*fsm.Response[CreateResponse], error) {
	slog.Info("fsm_state_register", "operation_id", req.Msg.OperationID)

	resp := req.W.Msg
	if resp == nil || resp.DiskPath == "" {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if resp.VMID != "" {
		slog.Info("vm_already_registered", "operation_id", req.Msg.OperationID, "vm_id", resp.VMID)
		return fsm.NewResponse(resp), nil
	}

	if err := m.checkRetries(ctx, req, resp); err != nil {
		return nil, err
	}

	if err := m.record(ctx, req, resp, db.StatusRegistering); err != nil {
		return nil, err
	}

	j := job(req, resp)
	if err := m.pipeline.RegisterVM(ctx, j); err != nil {
		slog.Error("registration_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, m.abort(ctx, req, resp, err)
	}

	resp.VMID = j.VM.ID

	return fsm.NewResponse(resp), nil
}

// handleComplete marks the run as ready
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[CreateRequest, CreateResponse]) (*fsm.Response[CreateResponse], error) {
	slog.Info("fsm_state_complete", "operation_id", req.Msg.OperationID)

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if err := m.record(ctx, req, resp, db.StatusReady); err != nil {
		slog.Error("status_update_failed", "operation_id", req.Msg.OperationID, "error", err)
		return nil, err
	}

	slog.Info("fsm_complete", "operation_id", req.Msg.OperationID, "vm_id", resp.VMID, "status", db.StatusReady)

	return fsm.NewResponse(resp), nil
}
