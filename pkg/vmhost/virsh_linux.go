//go:build linux
// +build linux

package vmhost

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devhome-oss/envhost/pkg/errors"
)

// VirshHypervisor drives libvirt through the virsh and virt-install CLIs.
type VirshHypervisor struct {
	connectURI string
}

// NewVirshHypervisor checks that the libvirt tools are installed.
func NewVirshHypervisor(connectURI string) (Hypervisor, error) {
	slog.Info("hypervisor_init", "driver", "virsh", "connect_uri", connectURI, "platform", "linux")

	for _, bin := range []string{"virsh", "virt-install"} {
		if _, err := exec.LookPath(bin); err != nil {
			slog.Error("hypervisor_tool_missing", "tool", bin)
			return nil, errors.Wrap(err, fmt.Sprintf("%s not found", bin))
		}
	}
	if connectURI == "" {
		connectURI = "qemu:///session"
	}
	return &VirshHypervisor{connectURI: connectURI}, nil
}

func (h *VirshHypervisor) virsh(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"--connect", h.connectURI}, args...)
	cmd := exec.CommandContext(ctx, "virsh", full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		slog.Error("virsh_command_failed", "args", strings.Join(args, " "), "stderr", strings.TrimSpace(stderr.String()), "error", err)
		return "", errors.Wrap(err, fmt.Sprintf("virsh %s: %s", args[0], strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(string(out)), nil
}

func diskFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".qcow2":
		return "qcow2"
	case ".vmdk":
		return "vmdk"
	case ".vhd", ".vhdx":
		return "vpc"
	default:
		return "raw"
	}
}

func (h *VirshHypervisor) Define(ctx context.Context, id string, params CreateParams) error {
	slog.Info("virsh_define_start", "vm_id", id, "name", params.Name, "cpus", params.CPUs)

	args := []string{
		"--connect", h.connectURI,
		"--name", id,
		"--vcpus", strconv.Itoa(params.CPUs),
		"--memory", strconv.Itoa(params.MemoryMB),
		"--disk", fmt.Sprintf("path=%s,format=%s", params.DiskPath, diskFormat(params.DiskPath)),
		"--import",
		"--osinfo", "detect=on,require=off",
		"--noautoconsole",
		"--noreboot",
		"--print-xml",
	}
	if params.SecureBoot {
		args = append(args, "--boot", "uefi,firmware.feature0.name=secure-boot,firmware.feature0.enabled=yes")
	}

	cmd := exec.CommandContext(ctx, "virt-install", args...)
	xml, err := cmd.Output()
	if err != nil {
		slog.Error("virt_install_failed", "vm_id", id, "error", err)
		return errors.Wrap(err, "failed to generate domain definition")
	}

	f, err := os.CreateTemp("", "envhost-domain-*.xml")
	if err != nil {
		return errors.Wrap(err, "failed to write domain definition")
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(xml); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write domain definition")
	}
	f.Close()

	if _, err := h.virsh(ctx, "define", f.Name()); err != nil {
		return err
	}
	slog.Info("virsh_define_complete", "vm_id", id)
	return nil
}

func (h *VirshHypervisor) Undefine(ctx context.Context, id string) error {
	// A running domain must be stopped first; ignore errors, it may not be running.
	h.virsh(ctx, "destroy", id)
	_, err := h.virsh(ctx, "undefine", id, "--nvram", "--snapshots-metadata", "--managed-save")
	return err
}

func (h *VirshHypervisor) Power(ctx context.Context, id string, action Action) error {
	var verb string
	switch action {
	case ActionStart:
		verb = "start"
	case ActionShutDown:
		verb = "shutdown"
	case ActionRestart:
		verb = "reboot"
	case ActionTerminate:
		verb = "destroy"
	case ActionPause:
		verb = "suspend"
	case ActionResume:
		verb = "resume"
	case ActionSave:
		verb = "managedsave"
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
	_, err := h.virsh(ctx, verb, id)
	return err
}

func (h *VirshHypervisor) State(ctx context.Context, id string) (State, error) {
	out, err := h.virsh(ctx, "domstate", id)
	if err != nil {
		return StateUnknown, err
	}
	return parseDomState(out), nil
}

func (h *VirshHypervisor) SetResources(ctx context.Context, id string, cpus, memoryMB int) error {
	if _, err := h.virsh(ctx, "setvcpus", id, strconv.Itoa(cpus), "--config", "--maximum"); err != nil {
		return err
	}
	if _, err := h.virsh(ctx, "setvcpus", id, strconv.Itoa(cpus), "--config"); err != nil {
		return err
	}
	kib := strconv.Itoa(memoryMB * 1024)
	if _, err := h.virsh(ctx, "setmaxmem", id, kib, "--config"); err != nil {
		return err
	}
	_, err := h.virsh(ctx, "setmem", id, kib, "--config")
	return err
}

func (h *VirshHypervisor) CreateSnapshot(ctx context.Context, id, name string) error {
	_, err := h.virsh(ctx, "snapshot-create-as", id, name)
	return err
}

func (h *VirshHypervisor) RevertSnapshot(ctx context.Context, id, name string) error {
	_, err := h.virsh(ctx, "snapshot-revert", id, name)
	return err
}

func (h *VirshHypervisor) DeleteSnapshot(ctx context.Context, id, name string) error {
	_, err := h.virsh(ctx, "snapshot-delete", id, name)
	return err
}

func (h *VirshHypervisor) Screenshot(ctx context.Context, id string) ([]byte, error) {
	f, err := os.CreateTemp("", "envhost-screenshot-*.png")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create screenshot file")
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	if _, err := h.virsh(ctx, "screenshot", id, path); err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (h *VirshHypervisor) ConsoleURI(ctx context.Context, id string) (string, error) {
	return h.virsh(ctx, "domdisplay", id)
}
