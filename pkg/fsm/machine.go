// Package fsm runs VM creation as a durable state machine on top of the
// superfly/fsm library. Each pipeline step is one transition, so a run
// interrupted by a crash or restart resumes at the step it was in.
package fsm

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/superfly/fsm"
)

// Register registers the VM creation FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[CreateRequest, CreateResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[CreateRequest, CreateResponse](manager, "vm-create").
		Start(StateResolve, m.handleResolve).
		To(StateDownload, m.handleDownload).
		To(StateExtract, m.handleExtract).
		To(StateRegister, m.handleRegister).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Runner owns the FSM manager and the registered creation machine.
type Runner struct {
	manager *fsm.Manager
	start   fsm.Start[CreateRequest, CreateResponse]
	resume  fsm.Resume
	repo    *db.Repository
}

// NewRunner opens the FSM store in dbPath, a directory, and registers
// machine with it.
func NewRunner(ctx context.Context, dbPath string, machine *Machine) (*Runner, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create FSM directory")
	}

	manager, err := fsm.New(fsm.Config{DBPath: dbPath})
	if err != nil {
		return nil, errors.Wrap(err, "FSM manager failed")
	}

	start, resume, err := machine.Register(ctx, manager)
	if err != nil {
		manager.Shutdown(10 * time.Second)
		return nil, err
	}

	return &Runner{manager: manager, start: start, resume: resume, repo: machine.repo}, nil
}

// Run starts a creation run and waits for it to end. The returned record
// reflects the final state; it is nil when the run failed before the image
// was resolved.
func (r *Runner) Run(ctx context.Context, req CreateRequest) (*db.Operation, error) {
	version, err := r.start(ctx, req.OperationID, fsm.NewRequest(&req, &CreateResponse{}))
	if err != nil {
		return nil, errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm_started", "operation_id", req.OperationID, "version", version)

	waitErr := r.manager.Wait(ctx, version)

	rec, err := r.repo.GetOperation(context.WithoutCancel(ctx), req.OperationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load operation record")
	}
	if waitErr != nil {
		return rec, errors.Wrap(waitErr, "FSM execution failed")
	}
	return rec, nil
}

// Resume restarts every run that was active when the process last stopped.
func (r *Runner) Resume(ctx context.Context) error {
	if err := r.resume(ctx); err != nil {
		return errors.Wrap(err, "FSM resume failed")
	}
	return nil
}

// WaitTerminal polls the records of ids until each reaches a terminal
// status or ctx is done.
func (r *Runner) WaitTerminal(ctx context.Context, ids []string, interval time.Duration) ([]*db.Operation, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var done []*db.Operation
		for _, id := range ids {
			rec, err := r.repo.GetOperation(ctx, id)
			if err != nil {
				return nil, err
			}
			if rec != nil && rec.Terminal() {
				done = append(done, rec)
			}
		}
		if len(done) == len(ids) {
			return done, nil
		}

		select {
		case <-ctx.Done():
			return done, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close shuts the manager down, giving in-flight transitions time to
// persist.
func (r *Runner) Close() {
	r.manager.Shutdown(10 * time.Second)
}
