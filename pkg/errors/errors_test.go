package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := stderrors.New("boom")
	wrapped := Wrap(base, "download failed")
	if wrapped.Error() != "download failed: boom" {
		t.Errorf("unexpected message: %s", wrapped.Error())
	}
	if !stderrors.Is(wrapped, base) {
		t.Error("wrapped error should match base")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", stderrors.New("x"), KindUnknown},
		{"tagged", New(KindIntegrity, "hash mismatch"), KindIntegrity},
		{"wrapped tagged", Wrap(New(KindCatalogEmpty, "none"), "fetch"), KindCatalogEmpty},
		{"context canceled", fmt.Errorf("read: %w", context.Canceled), KindCanceled},
		{"tagged over canceled", WithKind(KindDownload, context.Canceled, "download"), KindDownload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := Wrap(Newf(KindContention, "operation %s in progress", "abc"), "start")
	if !stderrors.Is(err, &Error{Kind: KindContention}) {
		t.Error("expected kind match")
	}
	if stderrors.Is(err, &Error{Kind: KindIntegrity}) {
		t.Error("unexpected kind match")
	}
}

func TestErrorMessage(t *testing.T) {
	err := WithKind(KindExtraction, stderrors.New("unexpected EOF"), "extract failed")
	if err.Error() != "extract failed: unexpected EOF" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if WithKind(KindExtraction, nil, "x") != nil {
		t.Error("WithKind(nil) should be nil")
	}
	if KindCanceled.String() != "canceled" {
		t.Errorf("unexpected kind name: %s", KindCanceled)
	}
}
