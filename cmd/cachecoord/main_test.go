package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"cachecoord/pkg/app"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	open := func(context.Context) (*app.App, error) {
		t.Fatal("version must not open the backend")
		return nil, nil
	}

	if code := run(context.Background(), []string{"version"}, &stdout, &stderr, open); code != 0 {
		t.Fatalf("exit code = %d, stderr %q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "cachecoord version") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestRun_OpenError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	open := func(context.Context) (*app.App, error) { return nil, errors.New("init failed") }

	if code := run(context.Background(), []string{"cleanup"}, &stdout, &stderr, open); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Error: init failed") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"frobnicate"}, &stdout, &stderr, nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
