package zfs

import (
	"context"
	"io"
	"strings"
)

// fakeRunner scripts run/startSend/startReceive responses for unit
// tests, avoiding a dependency on a real zfs binary or pool.
type fakeRunner struct {
	runResponses map[string]string
	runErr       map[string]error
	calls        []string

	sendData []byte
	sendErr  error

	recvWritten *[]byte
	recvErr     error
}

func (f *fakeRunner) key(name string, args []string) string {
	return strings.Join(append([]string{name}, args...), " ")
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) (string, error) {
	k := f.key(name, args)
	f.calls = append(f.calls, k)

	if err, ok := f.runErr[k]; ok {
		return "", err
	}
	return f.runResponses[k], nil
}

func (f *fakeRunner) startSend(_ context.Context, name string, args ...string) (*procHandle, error) {
	f.calls = append(f.calls, f.key(name, args))

	drained := make(chan struct{})
	close(drained)

	return &procHandle{
		Stdout:  io.NopCloser(strings.NewReader(string(f.sendData))),
		drained: drained,
		waitFn:  func() error { return f.sendErr },
	}, nil
}

func (f *fakeRunner) startReceive(_ context.Context, name string, args ...string) (*procHandle, error) {
	f.calls = append(f.calls, f.key(name, args))

	drained := make(chan struct{})
	pr, pw := io.Pipe()

	go func() {
		defer close(drained)
		data, _ := io.ReadAll(pr)
		if f.recvWritten != nil {
			*f.recvWritten = data
		}
	}()

	return &procHandle{
		Stdin:   pw,
		drained: drained,
		waitFn:  func() error { return f.recvErr },
	}, nil
}
