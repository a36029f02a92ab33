package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// captureExit overrides osExit so calls inside fn are intercepted. It
// returns the exit code and whether osExit was called at all.
//
// The replacement panics with exitSentinel, which unwinds the stack the way
// a real exit halts the process; the deferred recover turns it back into a
// code. Any other panic is re-raised.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
				} else {
					panic(r)
				}
			}
		}()
		fn()
	}()
	return code, exited
}

// captureStderr redirects os.Stderr during fn and returns what was written.
func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	data, _ := io.ReadAll(r)
	return string(data)
}

// captureStdout is captureStderr for os.Stdout.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	data, _ := io.ReadAll(r)
	return string(data)
}

func TestRunConfigValidate_Error(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	var code int
	var exited bool
	stderr := captureStderr(t, func() {
		captureStdout(t, func() {
			code, exited = captureExit(func() {
				runConfig([]string{"validate", "--config", missing})
			})
		})
	})
	if !exited || code != 1 {
		t.Errorf("exit = %d,%v, want 1,true", code, exited)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q, want an error line", stderr)
	}
}

func TestRunConfigValidate_Success(t *testing.T) {
	isolateConfigSearch(t)
	var exited bool
	out := captureStdout(t, func() {
		_, exited = captureExit(func() {
			runConfig([]string{"validate", "--role", "rendezvous"})
		})
	})
	if exited {
		t.Error("valid defaults caused an exit")
	}
	if !strings.Contains(out, "OK:") {
		t.Errorf("stdout = %q", out)
	}
}

func TestRunConfigUnknownCommand(t *testing.T) {
	var code int
	captureStderr(t, func() {
		captureStdout(t, func() {
			code, _ = captureExit(func() { runConfig([]string{"apply"}) })
		})
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestRunConfigNoArgs(t *testing.T) {
	var code int
	var exited bool
	captureStdout(t, func() {
		code, exited = captureExit(func() { runConfig(nil) })
	})
	if !exited || code != 1 {
		t.Errorf("exit = %d,%v, want 1,true", code, exited)
	}
}

func TestRunStatus_Error(t *testing.T) {
	var code int
	stderr := captureStderr(t, func() {
		code, _ = captureExit(func() {
			// Port 1 on loopback is never an admin API.
			runStatus([]string{"--addr", "127.0.0.1:1", "--timeout", "2s"})
		})
	})
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Error:") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestFatal(t *testing.T) {
	var code int
	stderr := captureStderr(t, func() {
		code, _ = captureExit(func() { fatal("Error: %s", "boom") })
	})
	if code != 1 || strings.TrimSpace(stderr) != "Error: boom" {
		t.Errorf("fatal: code=%d stderr=%q", code, stderr)
	}
}
