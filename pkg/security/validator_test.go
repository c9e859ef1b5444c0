package security

import (
	"testing"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := Limits{MaxFileSize: 1024, MaxTotalSize: 1024, MaxCompressionRatio: 10.0}.NewValidator()

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"disk.vhdx", false},
		{"images/disk.vhdx", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../disk.vhdx", false},
		{"dir/../../etc/passwd", true},
		{"..", true},
		{"..disk.vhdx", false},
		{"", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	v := Limits{MaxFileSize: 100, MaxTotalSize: 1000, MaxCompressionRatio: 10.0}.NewValidator()

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := Limits{MaxFileSize: 1024, MaxTotalSize: 10240, MaxCompressionRatio: 10.0}.NewValidator()

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1000); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestSizeGuard_ExceedsTotal(t *testing.T) {
	v := Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10.0}.NewValidator()
	guard := v.Writer()

	if _, err := guard.Write(make([]byte, 400)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := guard.Write(make([]byte, 200)); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}

	if v.GetCurrentTotalSize() != 600 {
		t.Errorf("expected running total 600, got %d", v.GetCurrentTotalSize())
	}
}

func TestValidatorsAreIndependent(t *testing.T) {
	limits := Limits{MaxFileSize: 1024, MaxTotalSize: 500, MaxCompressionRatio: 10.0}
	a := limits.NewValidator()
	b := limits.NewValidator()

	a.AddExtractedSize(450)
	if err := b.AddExtractedSize(450); err != nil {
		t.Errorf("sessions should not share totals: %v", err)
	}
}
