package scheduler

import (
	"errors"
	"fmt"
	"testing"
)

func TestClampParallelTabs(t *testing.T) {
	s := DefaultSettings()
	for _, tt := range []struct{ req, want int }{
		{0, 3}, {-4, 1}, {1, 1}, {7, 7}, {10, 10}, {11, 10}, {1000, 10},
	} {
		if got := s.ClampParallelTabs(tt.req); got != tt.want {
			t.Fatalf("ClampParallelTabs(%d) = %d; want %d", tt.req, got, tt.want)
		}
	}
	for req := -20; req <= 20; req++ {
		if req == 0 {
			continue
		}
		if got, want := s.ClampParallelTabs(req), clamp(req, s.MinParallelTabs, s.MaxParallelTabs); got != want {
			t.Fatalf("ClampParallelTabs(%d) = %d; want %d", req, got, want)
		}
	}
}

func TestCodedError(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save: %w", storageError("write pool", cause))
	if !HasCode(err, CodeStorageFailure) {
		t.Fatalf("HasCode(%v, STORAGE_FAILURE) = false", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is(cause) = false")
	}
	if got := err.Error(); got != "save: STORAGE_FAILURE: write pool: disk full" {
		t.Fatalf("Error() = %q", got)
	}
	if storageError("noop", nil) != nil {
		t.Fatalf("storageError(nil) != nil")
	}
	if HasCode(errors.New("plain"), CodeValidation) {
		t.Fatalf("HasCode(plain) = true")
	}
}
