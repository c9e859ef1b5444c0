package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/gallery"
	"github.com/spf13/cobra"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Inspect the VM gallery",
}

var galleryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List gallery images with the index used by create",
	RunE:  runGalleryList,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.AddCommand(galleryListCmd)
}

func runGalleryList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	images, err := e.catalog.Images(ctx)
	if err != nil {
		return errors.Wrap(err, "gallery fetch failed")
	}

	if len(images) == 0 {
		fmt.Println("The gallery is empty")
		return nil
	}

	fmt.Printf("%-5s %-45s %-20s %-12s %-8s\n", "INDEX", "NAME", "PUBLISHER", "VERSION", "ARCHIVE")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for i, img := range images {
		fmt.Printf("%-5d %-45s %-20s %-12s %-8s\n",
			i, truncate(img.Name, 45), truncate(img.Publisher, 20), img.Version, archiveKind(img))
	}

	return nil
}

func archiveKind(img gallery.Image) string {
	name, err := gallery.ArchiveFileName(img)
	if err != nil {
		return "invalid"
	}
	if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
		return ext
	}
	return "-"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
