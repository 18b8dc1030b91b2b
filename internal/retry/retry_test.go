package retry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
	"time"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func TestIsRetryableError(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy", err: &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EBUSY}, want: true},
		{name: "interrupted", err: &fs.PathError{Op: "write", Path: "a", Err: syscall.EINTR}, want: true},
		{name: "wrapped again", err: fmt.Errorf("store: %w", &fs.PathError{Op: "open", Path: "a", Err: syscall.EAGAIN}), want: true},
		{name: "permission denied", err: &fs.PathError{Op: "open", Path: "a", Err: syscall.EACCES}, want: false},
		{name: "not exist", err: &fs.PathError{Op: "open", Path: "a", Err: syscall.ENOENT}, want: false},
		{name: "message pattern", err: errors.New("The process cannot access the file: sharing violation"), want: true},
		{name: "plain error", err: errors.New("invalid index header"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err, cfg); got != tt.want {
				t.Errorf("IsRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		if attempts < 3 {
			return syscall.EBUSY
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func() error {
		attempts++
		return syscall.EACCES
	})
	if !errors.Is(err, syscall.EACCES) {
		t.Fatalf("Do() error = %v, want EACCES", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestDoWithResultGivesUp(t *testing.T) {
	cfg := fastConfig()
	attempts := 0
	_, err := DoWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, syscall.EAGAIN
	})
	if err == nil || !errors.Is(err, syscall.EAGAIN) {
		t.Fatalf("DoWithResult() error = %v, want wrapped EAGAIN", err)
	}
	if attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, want %d", attempts, cfg.MaxAttempts)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Do(ctx, fastConfig(), func() error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("Do() on cancelled context: err = %v, called = %v", err, called)
	}
}
