package main

import (
	"errors"
	"testing"
)

func TestExitCodeForWrapsCliExitError(t *testing.T) {
	err := &cliExitError{code: exitDeviceInit, err: errors.New("boom")}
	if got := exitCodeFor(err); got != exitDeviceInit {
		t.Fatalf("exitCodeFor: got %d, want %d", got, exitDeviceInit)
	}
}

func TestExitCodeForDefaultsToRuntimeFatal(t *testing.T) {
	if got := exitCodeFor(errors.New("unwrapped")); got != exitRuntimeFatal {
		t.Fatalf("exitCodeFor: got %d, want %d", got, exitRuntimeFatal)
	}
}
