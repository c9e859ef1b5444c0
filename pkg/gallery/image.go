// Package gallery models the VM image gallery: a JSON catalog of
// downloadable disk images with their expected digests and default VM
// configuration.
package gallery

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/integrity"
)

// SessionTransport is the enhanced-session transport a VM is created with.
type SessionTransport string

const (
	TransportVMBus    SessionTransport = "VMBus"
	TransportHvSocket SessionTransport = "HvSocket"
)

// Disk locates an image's archive and the disk inside it.
type Disk struct {
	URI                 string
	Hash                string
	ArchiveRelativePath string
}

// Config is the default VM configuration for an image.
type Config struct {
	SecureBoot       bool
	SessionTransport SessionTransport
	DiskFormat       string
}

// Image is one gallery entry. Images are immutable once fetched.
type Image struct {
	Name        string
	Publisher   string
	Version     string
	LastUpdated string
	Description []string
	Disk        Disk
	Config      Config
}

// DiskExtension returns the extension of the disk inside the archive,
// including the dot.
func (img Image) DiskExtension() string {
	return filepath.Ext(img.Disk.ArchiveRelativePath)
}

// ArchiveFileName is the deterministic local file name for an image's
// downloaded archive: the lowercase digest hex followed by the extension
// of the source URI. Two images with the same content share a name.
func ArchiveFileName(img Image) (string, error) {
	d, err := integrity.ParseDigest(img.Disk.Hash)
	if err != nil {
		return "", errors.WithKind(errors.KindInvalidInput, err, fmt.Sprintf("image %q has an invalid hash", img.Name))
	}

	ext := ""
	if u, err := url.Parse(img.Disk.URI); err == nil {
		ext = path.Ext(u.Path)
	}
	return d.Hex + strings.ToLower(ext), nil
}

type galleryFile struct {
	Images []galleryImage `json:"images"`
}

type galleryImage struct {
	Name        string          `json:"name"`
	Publisher   string          `json:"publisher"`
	Version     string          `json:"version"`
	LastUpdated string          `json:"lastUpdated"`
	Description json.RawMessage `json:"description"`
	Disk        struct {
		URI                 string `json:"uri"`
		Hash                string `json:"hash"`
		ArchiveRelativePath string `json:"archiveRelativePath"`
	} `json:"disk"`
	Config struct {
		SecureBoot                   json.RawMessage `json:"secureBoot"`
		EnhancedSessionTransportType string          `json:"enhancedSessionTransportType"`
	} `json:"config"`
}

// Parse decodes a gallery document. Entries missing a disk URI or hash are
// skipped since they cannot be provisioned.
func Parse(r io.Reader) ([]Image, error) {
	var doc galleryFile
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "failed to decode gallery")
	}

	images := make([]Image, 0, len(doc.Images))
	for _, gi := range doc.Images {
		if gi.Disk.URI == "" || gi.Disk.Hash == "" {
			continue
		}

		secureBoot, err := parseLooseBool(gi.Config.SecureBoot)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("image %q secureBoot", gi.Name))
		}

		transport := SessionTransport(gi.Config.EnhancedSessionTransportType)
		if transport == "" {
			transport = TransportVMBus
		}

		img := Image{
			Name:        gi.Name,
			Publisher:   gi.Publisher,
			Version:     gi.Version,
			LastUpdated: gi.LastUpdated,
			Description: parseDescription(gi.Description),
			Disk: Disk{
				URI:                 gi.Disk.URI,
				Hash:                gi.Disk.Hash,
				ArchiveRelativePath: gi.Disk.ArchiveRelativePath,
			},
			Config: Config{
				SecureBoot:       secureBoot,
				SessionTransport: transport,
			},
		}
		img.Config.DiskFormat = strings.TrimPrefix(strings.ToLower(img.DiskExtension()), ".")
		images = append(images, img)
	}
	return images, nil
}

// The gallery publishes secureBoot as "true"/"false"; plain JSON booleans
// are accepted too.
func parseLooseBool(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, err
	}
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// Description is a list of paragraphs, occasionally a single string.
func parseDescription(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return []string{s}
	}
	return nil
}
