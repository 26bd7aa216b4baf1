package intakedir

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsSettledFilesOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func(name string) { ready <- name }) }()

	path := filepath.Join(dir, "contrato.pdf")
	for i := 0; i < 3; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		_, _ = f.WriteString("chunk")
		_ = f.Close()
		time.Sleep(5 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, ".partial-1"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write hidden: %v", err)
	}

	select {
	case name := <-ready:
		if name != "contrato.pdf" {
			t.Fatalf("unexpected name %s", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for settled file")
	}
	select {
	case name := <-ready:
		t.Fatalf("file must be reported once, got extra %s", name)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
