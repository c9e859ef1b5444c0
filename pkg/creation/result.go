package creation

import (
	"github.com/devhome-oss/envhost/pkg/errors"
	"github.com/devhome-oss/envhost/pkg/vmhost"
)

// Result is the outcome of a creation run. Exactly one of VM and Err is
// set.
type Result struct {
	VM *vmhost.VM

	// Err is the failure, tagged with an errors.Kind.
	Err error

	// DisplayMessage is suitable to show a user as is.
	DisplayMessage string

	// DiagnosticText is the full error chain for logs and bug reports.
	DiagnosticText string
}

// Succeeded reports whether the run produced a VM.
func (r *Result) Succeeded() bool {
	return r.Err == nil
}

// Kind returns the failure kind, or KindUnknown on success.
func (r *Result) Kind() errors.Kind {
	return errors.KindOf(r.Err)
}

func success(vm *vmhost.VM) *Result {
	return &Result{VM: vm}
}

// failure converts err into a Result. Tagged errors carry their display
// message; anything else falls back to fallback. The diagnostic names the
// kind and the cause, since the display message may already quote it.
func failure(err error, fallback string) *Result {
	display := fallback
	diagnostic := err.Error()
	var tagged *errors.Error
	if errors.As(err, &tagged) {
		if tagged.Message != "" {
			display = tagged.Message
		}
		if tagged.Err != nil && err == error(tagged) {
			diagnostic = tagged.Kind.String() + ": " + tagged.Err.Error()
		}
	}
	return &Result{
		Err:            err,
		DisplayMessage: display,
		DiagnosticText: diagnostic,
	}
}
