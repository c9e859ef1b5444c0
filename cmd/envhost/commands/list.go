package commands

import (
	"context"
	"fmt"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List creation runs and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	ops, err := e.repo.ListOperations(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(ops) == 0 {
		fmt.Println("No creation runs found")
		return nil
	}

	fmt.Printf("%-36s %-20s %-12s %-30s %-20s\n", "ID", "VM NAME", "STATUS", "IMAGE", "ERROR")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------")

	for _, op := range ops {
		errorText := "-"
		if op.ErrorKind != "" {
			errorText = op.ErrorKind
		}
		fmt.Printf("%-36s %-20s %-12s %-30s %-20s\n",
			op.ID, truncate(op.VMName, 20), op.Status, truncate(op.ImageName, 30), errorText)
	}

	return nil
}
