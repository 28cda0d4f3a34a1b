package zfs

import (
	"bytes"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// runner abstracts process execution so the driver can be exercised
// against a fake in tests, the same way the rest of the dependency
// surface in this module is injected rather than called through package
// globals.
type runner interface {
	run(ctx context.Context, name string, args ...string) (stdout string, err error)
	startSend(ctx context.Context, name string, args ...string) (*procHandle, error)
	startReceive(ctx context.Context, name string, args ...string) (*procHandle, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &Error{Err: err, Debug: debugLine(name, args), Stderr: stderr.String()}
	}

	return stdout.String(), nil
}

// procHandle is a running child process whose stdout or stdin is left
// open for the caller to stream through (the zfs send/receive path).
// Stderr is always drained internally into a buffer, concurrently with
// whatever the caller is doing with Stdout/Stdin, so a full stderr pipe
// can never deadlock a large transfer; the buffer is available from
// Wait() once the process has exited.
type procHandle struct {
	cmd     *exec.Cmd
	debug   string
	stderr  bytes.Buffer
	drained chan struct{}

	Stdout io.ReadCloser
	Stdin  io.WriteCloser

	// waitFn overrides cmd.Wait() when set; used only by fakes in tests,
	// since a *exec.Cmd that was never started cannot be waited on.
	waitFn func() error
}

// Wait reaps the process and returns a *Error carrying the drained
// stderr text if it exited non-zero.
func (h *procHandle) Wait() error {
	<-h.drained

	wait := h.cmd.Wait
	if h.waitFn != nil {
		wait = h.waitFn
	}

	if err := wait(); err != nil {
		return &Error{Err: err, Debug: h.debug, Stderr: h.stderr.String()}
	}
	return nil
}

// startSend starts a process whose stdout is the byte stream the caller
// reads from (zfs send). Stdin is left unset, so the child reads from
// the null device; send never reads from it.
func (execRunner) startSend(ctx context.Context, name string, args ...string) (*procHandle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	h := &procHandle{cmd: cmd, debug: debugLine(name, args), drained: make(chan struct{})}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	h.Stdout = out

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() {
		io.Copy(&h.stderr, stderrPipe)
		close(h.drained)
	}()

	return h, nil
}

// startReceive starts a process whose stdin is the byte stream the
// caller writes to (zfs receive). Stdout is drained and discarded
// concurrently alongside stderr, the same way, so receive's (usually
// empty) stdout chatter can never block the writer.
func (execRunner) startReceive(ctx context.Context, name string, args ...string) (*procHandle, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	h := &procHandle{cmd: cmd, debug: debugLine(name, args), drained: make(chan struct{})}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	h.Stdin = in

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var drainWG sync.WaitGroup
	drainWG.Add(2)
	go func() {
		defer drainWG.Done()
		io.Copy(&h.stderr, stderrPipe)
	}()
	go func() {
		defer drainWG.Done()
		io.Copy(io.Discard, stdoutPipe)
	}()

	go func() {
		drainWG.Wait()
		close(h.drained)
	}()

	return h, nil
}

func debugLine(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}
