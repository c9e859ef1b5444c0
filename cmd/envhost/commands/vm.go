package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/devhome-oss/envhost/pkg/computesystem"
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/provider"
	"github.com/spf13/cobra"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage created VMs",
}

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs with their current state",
	Args:  cobra.NoArgs,
	RunE:  runVMList,
}

var vmStateCmd = &cobra.Command{
	Use:   "state <vm>",
	Short: "Show the current state of a VM",
	Args:  cobra.ExactArgs(1),
	RunE: withSystem(func(ctx context.Context, cs *computesystem.ComputeSystem, _ []string) error {
		res := cs.GetState(ctx)
		if err := resultError(res); err != nil {
			return err
		}
		fmt.Println(res.Value)
		return nil
	}),
}

var vmPropsCmd = &cobra.Command{
	Use:   "props <vm>",
	Short: "Show VM properties",
	Args:  cobra.ExactArgs(1),
	RunE: withSystem(func(ctx context.Context, cs *computesystem.ComputeSystem, _ []string) error {
		for _, prop := range cs.GetProperties(ctx, "") {
			fmt.Printf("%-20s %v\n", prop.Name, prop.Value)
		}
		return nil
	}),
}

var (
	setCPUs     int
	setMemoryMB int
)

var vmSetCmd = &cobra.Command{
	Use:   "set <vm>",
	Short: "Change processors or memory of a stopped VM",
	Args:  cobra.ExactArgs(1),
	RunE: withSystem(func(ctx context.Context, cs *computesystem.ComputeSystem, _ []string) error {
		options, err := json.Marshal(provider.Resources{CPUs: setCPUs, MemoryMB: setMemoryMB})
		if err != nil {
			return errors.Wrap(err, "failed to encode properties")
		}
		return resultError(cs.ModifyProperties(ctx, string(options)))
	}),
}

var vmConnectCmd = &cobra.Command{
	Use:   "connect <vm>",
	Short: "Print the console URI of a running VM",
	Args:  cobra.ExactArgs(1),
	RunE: withSystem(func(ctx context.Context, cs *computesystem.ComputeSystem, _ []string) error {
		res := cs.Connect(ctx, "")
		if err := resultError(res); err != nil {
			return err
		}
		fmt.Println(res.Value)
		return nil
	}),
}

var vmSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, revert or delete VM snapshots",
}

type systemAction func(cs *computesystem.ComputeSystem, ctx context.Context, options string) computesystem.OperationResult

// powerActions are the single-argument lifecycle commands.
var powerActions = []struct {
	use, short string
	action     systemAction
}{
	{"start", "Start a VM", (*computesystem.ComputeSystem).Start},
	{"stop", "Shut a VM down gracefully", (*computesystem.ComputeSystem).ShutDown},
	{"restart", "Restart a VM", (*computesystem.ComputeSystem).Restart},
	{"terminate", "Power a VM off immediately", (*computesystem.ComputeSystem).Terminate},
	{"pause", "Pause a running VM", (*computesystem.ComputeSystem).Pause},
	{"resume", "Resume a paused VM", (*computesystem.ComputeSystem).Resume},
	{"save", "Save a VM's memory state and stop it", (*computesystem.ComputeSystem).Save},
	{"delete", "Delete a VM and its disk", (*computesystem.ComputeSystem).Delete},
}

var snapshotActions = []struct {
	use, short string
	action     systemAction
}{
	{"create", "Create a named snapshot", (*computesystem.ComputeSystem).CreateSnapshot},
	{"revert", "Revert to a named snapshot", (*computesystem.ComputeSystem).RevertSnapshot},
	{"delete", "Delete a named snapshot", (*computesystem.ComputeSystem).DeleteSnapshot},
}

func init() {
	rootCmd.AddCommand(vmCmd)
	vmCmd.AddCommand(vmListCmd, vmStateCmd, vmPropsCmd, vmSetCmd, vmConnectCmd, vmSnapshotCmd)

	vmSetCmd.Flags().IntVar(&setCPUs, "cpus", 0, "Processor count (0 keeps the current value)")
	vmSetCmd.Flags().IntVar(&setMemoryMB, "memory", 0, "Memory in MB (0 keeps the current value)")

	for _, a := range powerActions {
		vmCmd.AddCommand(actionCommand(a.use+" <vm>", a.short, cobra.ExactArgs(1), a.action, a.use))
	}
	for _, a := range snapshotActions {
		vmSnapshotCmd.AddCommand(actionCommand(a.use+" <vm> <name>", a.short, cobra.ExactArgs(2), a.action, "snapshot "+a.use))
	}
}

func actionCommand(use, short string, args cobra.PositionalArgs, action systemAction, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: withSystem(func(ctx context.Context, cs *computesystem.ComputeSystem, rest []string) error {
			if err := resultError(action(cs, ctx, strings.Join(rest, " "))); err != nil {
				return err
			}
			fmt.Printf("✅ %s: %s\n", verb, cs.DisplayName)
			return nil
		}),
	}
}

// withSystem resolves args[0], an ID or display name, to a compute system
// and runs fn with the remaining arguments.
func withSystem(fn func(ctx context.Context, cs *computesystem.ComputeSystem, rest []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		reg, err := e.registry(ctx)
		if err != nil {
			return err
		}
		defer reg.Close()

		cs := findSystem(reg, args[0])
		if cs == nil {
			return fmt.Errorf("no VM named or with ID %q", args[0])
		}
		return fn(ctx, cs, args[1:])
	}
}

func findSystem(reg *computesystem.Registry, ref string) *computesystem.ComputeSystem {
	if cs := reg.Find(ref); cs != nil {
		return cs
	}
	for _, cs := range reg.Systems() {
		if cs.DisplayName == ref {
			return cs
		}
	}
	return nil
}

// registry lists the local provider's systems.
func (e *env) registry(ctx context.Context) (*computesystem.Registry, error) {
	p, err := e.provider()
	if err != nil {
		return nil, errors.Wrap(err, "provider init failed")
	}
	reg := computesystem.NewRegistry(computesystem.DeveloperID{}, nil, p)
	listings, err := reg.Refresh(ctx)
	if err != nil {
		reg.Close()
		return nil, errors.Wrap(err, "refresh failed")
	}
	for _, l := range listings {
		if l.Failure != nil {
			reg.Close()
			return nil, resultError(*l.Failure)
		}
	}
	return reg, nil
}

func runVMList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	reg, err := e.registry(ctx)
	if err != nil {
		return err
	}
	defer reg.Close()

	systems := reg.Systems()
	if len(systems) == 0 {
		fmt.Println("No VMs found")
		return nil
	}

	fmt.Printf("%-36s %-24s %-12s %-40s\n", "ID", "NAME", "STATE", "DISK")
	fmt.Println("------------------------------------------------------------------------------------------------------------------")

	for _, cs := range systems {
		state := "unknown"
		if res := cs.GetState(ctx); res.Succeeded() {
			state = res.Value.String()
		}
		fmt.Printf("%-36s %-24s %-12s %-40s\n", cs.ID, truncate(cs.DisplayName, 24), state, cs.SupplementalDisplayName)
	}

	return nil
}
