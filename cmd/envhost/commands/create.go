package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"

	"github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/errors"
	appfsm "github.com/devhome-oss/envhost/pkg/fsm"
	"github.com/devhome-oss/envhost/pkg/provider"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var createDurable bool

var createCmd = &cobra.Command{
	Use:   "create <image-index> <vm-name>",
	Short: "Download a gallery image and create a VM from it",
	Long: `Creates a VM from the gallery image at <image-index> (see "gallery list").
The archive is downloaded, verified against the gallery digest, extracted
and registered with the hypervisor. Interrupt with Ctrl-C to cancel.

With --durable the run is recorded step by step and can be continued with
"resume" if the process stops.`,
	Args: cobra.ExactArgs(2),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().BoolVar(&createDurable, "durable", false, "Run as a resumable state machine")
}

func runCreate(cmd *cobra.Command, args []string) error {
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrap(err, "image index must be a number")
	}
	name := args[1]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if createDurable {
		return createDurably(ctx, e, index, name)
	}
	return createInProcess(ctx, e, index, name)
}

func createInProcess(ctx context.Context, e *env, index int, name string) error {
	p, err := e.provider()
	if err != nil {
		return errors.Wrap(err, "provider init failed")
	}

	options, err := json.Marshal(provider.CreateOptions{ImageIndex: index, Name: name})
	if err != nil {
		return errors.Wrap(err, "failed to encode options")
	}

	created := p.CreateComputeSystem(ctx, computesystem.DeveloperID{}, string(options))
	if err := resultError(created); err != nil {
		return err
	}
	op := created.Value

	bar := newStatusBar(os.Stderr)
	sub := op.SubscribeProgress(bar.Update)
	defer sub.Cancel()

	res := op.Start(ctx)
	bar.Finish()
	if err := resultError(res); err != nil {
		return err
	}
	defer res.Value.Close()

	fmt.Printf("✅ Created %s (%s)\n", res.Value.DisplayName, res.Value.ID)
	fmt.Printf("   disk: %s\n", res.Value.SupplementalDisplayName)
	return nil
}

func createDurably(ctx context.Context, e *env, index int, name string) error {
	bar := newTransferBar(os.Stderr)
	machine := appfsm.NewMachine(e.pipeline, e.repo, bar, e.cfg.FSMMaxRetries)

	runner, err := appfsm.NewRunner(ctx, e.cfg.FSMDBPath, machine)
	if err != nil {
		return err
	}
	defer runner.Close()

	req := appfsm.CreateRequest{
		OperationID: uuid.NewString(),
		ImageIndex:  index,
		VMName:      name,
	}
	rec, err := runner.Run(ctx, req)
	bar.Finish()
	if rec != nil {
		slog.Info("create_finished", "operation_id", rec.ID, "status", rec.Status, "vm_id", rec.VMID)
	}
	if err != nil {
		if rec != nil && rec.ErrorMessage != "" {
			return fmt.Errorf("%s", rec.ErrorMessage)
		}
		return err
	}

	fmt.Printf("✅ Created %s (%s)\n", rec.VMName, rec.VMID)
	fmt.Printf("   disk: %s\n", rec.DiskPath)
	return nil
}
