package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "envhost",
	Short: "Create and manage local VMs from the VM gallery",
	Long: `Downloads gallery images, verifies and extracts their disks, and registers
them as local virtual machines. Creation runs can be durable and resumed
after an interruption.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".artifacts/envhost.db", "SQLite database path")
	flags.String("fsm-db-path", ".artifacts/fsm", "FSM store directory")
	flags.String("gallery-url", "https://go.microsoft.com/fwlink/?linkid=851584", "Gallery JSON location (http, https, s3 or file)")
	flags.String("temp-dir", ".artifacts/downloads", "Directory for downloaded archives")
	flags.String("disk-dir", ".artifacts/disks", "Directory for VM disks")
	flags.String("vm-dir", ".artifacts/vms", "Directory for VM manifests")
	flags.String("s3-region", "us-east-1", "S3 region for s3:// sources")
	flags.String("hypervisor", "virsh", "Hypervisor driver (virsh or none)")
	flags.String("locale", "en", "Locale for user-facing messages")
	flags.Int64("max-file-size", 256*1024*1024*1024, "Max extracted file size in bytes")
	flags.Int64("max-total-size", 256*1024*1024*1024, "Max total extraction size")
	flags.Float64("max-compression-ratio", 1000.0, "Max compression ratio")
	flags.Int("fsm-max-retries", 5, "Retries for transient download failures in durable runs")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "gallery-url", "temp-dir", "disk-dir", "vm-dir",
		"s3-region", "hypervisor", "locale", "max-file-size", "max-total-size", "max-compression-ratio", "fsm-max-retries",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}
