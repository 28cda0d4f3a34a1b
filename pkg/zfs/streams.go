package zfs

import (
	"context"
	"io"
)

// SendHandle is an open `zfs send` child process. Stdout carries the
// byte stream; the caller must read it to completion and then call
// Wait to reap the process and learn whether it succeeded.
type SendHandle struct {
	Stdout io.ReadCloser
	proc   *procHandle
}

// Wait reaps the send process, returning a *Error with captured stderr
// if it exited non-zero.
func (h *SendHandle) Wait() error {
	return h.proc.Wait()
}

// ReceiveHandle is an open `zfs receive` child process. Stdin accepts
// the byte stream; the caller must close it once the stream is fully
// written and then call Wait.
type ReceiveHandle struct {
	Stdin io.WriteCloser
	proc  *procHandle
}

// Wait reaps the receive process, returning a *Error with captured
// stderr if it exited non-zero.
func (h *ReceiveHandle) Wait() error {
	return h.proc.Wait()
}

func (d *Driver) sendArgs(args ...string) (string, []string) {
	if d.sudo {
		return "sudo", append([]string{"zfs"}, args...)
	}
	return "zfs", args
}

// OpenSendStream opens a full `zfs send -w dataset@name` stream. The -w
// (raw) flag is mandatory so encrypted datasets can be sent without
// their keys being available locally, per §4.1.
func (d *Driver) OpenSendStream(ctx context.Context, dataset, name string) (*SendHandle, error) {
	cmd, args := d.sendArgs("send", "-w", snapName(dataset, name))
	proc, err := d.r.startSend(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	return &SendHandle{Stdout: proc.Stdout, proc: proc}, nil
}

// OpenSendStreamInc opens an incremental `zfs send -w -i from to`
// stream.
func (d *Driver) OpenSendStreamInc(ctx context.Context, dataset, fromName, toName string) (*SendHandle, error) {
	cmd, args := d.sendArgs("send", "-w", "-i", snapName(dataset, fromName), snapName(dataset, toName))
	proc, err := d.r.startSend(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	return &SendHandle{Stdout: proc.Stdout, proc: proc}, nil
}

// OpenReceiveStream opens a `zfs receive` stream writing into
// dataset@name. force passes -F, which MUST be omitted by the caller
// for encrypted restores — the Job Engine is expected to have already
// reconciled local state (§4.1, §4.7) in that case so -F is never
// needed to make the receive succeed.
func (d *Driver) OpenReceiveStream(ctx context.Context, dataset, name string, force bool) (*ReceiveHandle, error) {
	args := []string{"receive"}
	if force {
		args = append(args, "-F")
	}
	args = append(args, snapName(dataset, name))

	cmd, args := d.sendArgs(args...)
	proc, err := d.r.startReceive(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}
	return &ReceiveHandle{Stdin: proc.Stdin, proc: proc}, nil
}
