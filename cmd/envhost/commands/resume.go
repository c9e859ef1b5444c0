package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/devhome-oss/envhost/pkg/db"
	"github.com/devhome-oss/envhost/pkg/errors"
	appfsm "github.com/devhome-oss/envhost/pkg/fsm"
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue durable creation runs interrupted by a stop or crash",
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	ops, err := e.repo.ListOperations(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}
	var pending []string
	for _, op := range ops {
		if !op.Terminal() {
			pending = append(pending, op.ID)
		}
	}
	if len(pending) == 0 {
		fmt.Println("Nothing to resume")
		return nil
	}

	bar := newTransferBar(os.Stderr)
	defer bar.Finish()
	machine := appfsm.NewMachine(e.pipeline, e.repo, bar, e.cfg.FSMMaxRetries)

	runner, err := appfsm.NewRunner(ctx, e.cfg.FSMDBPath, machine)
	if err != nil {
		return err
	}
	defer runner.Close()

	fmt.Printf("🔄 Resuming %d run(s)...\n", len(pending))
	if err := runner.Resume(ctx); err != nil {
		return err
	}

	done, err := runner.WaitTerminal(ctx, pending, time.Second)
	if err != nil {
		return errors.Wrap(err, "waiting for runs failed")
	}
	for _, op := range done {
		switch op.Status {
		case db.StatusReady:
			fmt.Printf("✅ %s: %s is ready\n", op.ID, op.VMName)
		default:
			fmt.Printf("❌ %s: %s %s (%s)\n", op.ID, op.VMName, op.Status, op.ErrorMessage)
		}
	}
	return nil
}
