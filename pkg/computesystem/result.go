package computesystem

import (
	"github.com/devhome-oss/envhost/pkg/errors"
)

// Result is the outcome of one call. Err is nil on success; a failure
// keeps the original error in Err alongside a message fit for display.
type Result[T any] struct {
	Value T

	Err            error
	DisplayMessage string
	DiagnosticText string
}

// Succeeded reports whether the call worked.
func (r Result[T]) Succeeded() bool {
	return r.Err == nil
}

// Kind returns the failure kind, or KindUnknown on success.
func (r Result[T]) Kind() errors.Kind {
	return errors.KindOf(r.Err)
}

type (
	OperationResult          = Result[struct{}]
	StateResult              = Result[State]
	ThumbnailResult          = Result[[]byte]
	ConnectResult            = Result[string]
	SystemsResult            = Result[[]Remote]
	CreationResult           = Result[Remote]
	AdaptiveCardResult       = Result[AdaptiveCardSession]
	ApplyConfigurationResult = Result[ApplyConfigurationOperation]
)

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// fault is the result of a remote call that errored or panicked. Err is
// tagged KindRemoteFault and still unwraps to the original error.
func fault[T any](err error, display string) Result[T] {
	return Result[T]{
		Err:            errors.WithKind(errors.KindRemoteFault, err, display),
		DisplayMessage: display,
		DiagnosticText: err.Error(),
	}
}

// Fail builds a failed result. Remotes use it to report failures they
// handled themselves.
func Fail[T any](err error, display string) Result[T] {
	return Result[T]{
		Err:            err,
		DisplayMessage: display,
		DiagnosticText: err.Error(),
	}
}
