// Package commandtest provides a scripted command.Runner for tests that
// drive provisioning steps without touching a real host.
package commandtest

import (
	"context"
	"strings"

	"github.com/projecthost/bootstrap/internal/command"
)

type FakeRunner struct {
	// Requests records every Run call in order.
	Requests []command.Request
	// Probes records every Output call, space-joined.
	Probes []string

	// RunErr, when set, is consulted per space-joined command prefix.
	RunErr map[string]error
	// Outputs maps a space-joined command prefix to canned stdout.
	Outputs map[string]string
	// OutputErr maps a space-joined command prefix to an error.
	OutputErr map[string]error
}

var _ command.Runner = (*FakeRunner)(nil)

func New() *FakeRunner {
	return &FakeRunner{
		RunErr:    map[string]error{},
		Outputs:   map[string]string{},
		OutputErr: map[string]error{},
	}
}

func (f *FakeRunner) Run(_ context.Context, req command.Request) error {
	f.Requests = append(f.Requests, req)
	joined := strings.Join(req.Args, " ")
	for prefix, err := range f.RunErr {
		if strings.HasPrefix(joined, prefix) {
			if req.BestEffort {
				return nil
			}
			return err
		}
	}
	return nil
}

func (f *FakeRunner) Output(_ context.Context, args ...string) (string, error) {
	joined := strings.Join(args, " ")
	f.Probes = append(f.Probes, joined)
	for prefix, err := range f.OutputErr {
		if strings.HasPrefix(joined, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.Outputs {
		if strings.HasPrefix(joined, prefix) {
			return out, nil
		}
	}
	return "", nil
}

// Ran reports whether any recorded command starts with the given prefix.
func (f *FakeRunner) Ran(prefix string) bool {
	for _, req := range f.Requests {
		if strings.HasPrefix(strings.Join(req.Args, " "), prefix) {
			return true
		}
	}
	return false
}
