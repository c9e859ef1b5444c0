package fsm

import "github.com/devhome-oss/envhost/pkg/gallery"

// CreateRequest is the FSM input
type CreateRequest struct {
	OperationID string
	ImageIndex  int
	VMName      string
}

// CreateResponse is the FSM output (accumulated across transitions)
type CreateResponse struct {
	// From Resolve
	Image *gallery.Image

	// From Download
	ArchivePath string
	Reused      bool

	// From Extract
	DiskPath string

	// From Register
	VMID string

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StateResolve  = "resolve"
	StateDownload = "download"
	StateExtract  = "extract"
	StateRegister = "register"
	StateComplete = "complete"
	StateFailed   = "failed"
)
