package docker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptedRunner records invocations and replies with canned results.
type scriptedRunner struct {
	mu    sync.Mutex
	calls [][]string
	reply func(args []string) (Result, error)
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args []string, onLine LineFunc) (Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]string{name}, args...))
	r.mu.Unlock()

	res, err := r.reply(args)
	if onLine != nil {
		for _, l := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
			if l != "" {
				onLine(Stdout, l)
			}
		}
	}
	return res, err
}

func TestRunSpecArgs(t *testing.T) {
	spec := RunSpec{
		Name:        "sysdig",
		Image:       "sysdig/sysdig:latest",
		Privileged:  true,
		Detach:      true,
		Remove:      true,
		HostNetwork: true,
		Mounts: []Mount{
			{Source: "/proc", Target: "/host/proc", ReadOnly: true},
			{Source: "/tmp", Target: "/tmp"},
		},
		Command: []string{"sysdig", "-w", "/tmp/capture.scap"},
	}

	got := strings.Join(spec.Args(), " ")
	want := "run --rm -d --name sysdig --privileged -v /proc:/host/proc:ro -v /tmp:/tmp --net=host sysdig/sysdig:latest sysdig -w /tmp/capture.scap"
	if got != want {
		t.Errorf("args mismatch:\n got: %s\nwant: %s", got, want)
	}
}

func TestClientStopAndList(t *testing.T) {
	r := &scriptedRunner{reply: func(args []string) (Result, error) {
		if args[0] == "ps" {
			return Result{Stdout: "CONTAINER ID   IMAGE\nabcdef123456   falco\n"}, nil
		}
		return Result{}, nil
	}}
	c := NewClient(r, nil)

	listing, err := c.ListRunning(context.Background())
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if !strings.Contains(listing, "abcdef123456") {
		t.Errorf("listing missing container: %q", listing)
	}

	id := strings.Repeat("ab", 32)
	if err := c.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := strings.Join(r.calls[0], " "); got != "docker ps -a -f status=running" {
		t.Errorf("unexpected list command: %s", got)
	}
	if got := strings.Join(r.calls[1], " "); got != "docker stop "+id {
		t.Errorf("unexpected stop command: %s", got)
	}
}

func TestClientPullError(t *testing.T) {
	r := &scriptedRunner{reply: func(args []string) (Result, error) {
		return Result{}, &ExitError{Command: "docker pull", Code: 1, Stderr: "manifest unknown\n"}
	}}
	c := NewClient(r, nil)

	err := c.Pull(context.Background(), "falcosecurity/falco:nope")
	if err == nil {
		t.Fatal("expected pull error")
	}
	if !strings.Contains(err.Error(), "falcosecurity/falco:nope") || !strings.Contains(err.Error(), "manifest unknown") {
		t.Errorf("error should name image and cause: %v", err)
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Errorf("expected wrapped ExitError, got %v", err)
	}
}

func TestClientQuery(t *testing.T) {
	r := &scriptedRunner{reply: func(args []string) (Result, error) {
		return Result{Stdout: `{"proc.name":"bash"}` + "\n"}, nil
	}}
	c := NewClient(r, nil)

	out, err := c.Query(context.Background(), "sysdig/sysdig:latest", "/srv/out", `sysdig -r /srv/out/capture.scap -j "evt.type = container"`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !strings.Contains(out, "proc.name") {
		t.Errorf("unexpected output %q", out)
	}
	got := strings.Join(r.calls[0], " ")
	if !strings.Contains(got, "--entrypoint /bin/bash sysdig/sysdig:latest -c sysdig -r") {
		t.Errorf("unexpected query command: %s", got)
	}
	if !strings.Contains(got, "-v /srv/out:/srv/out") || strings.Contains(got, "/tmp:/tmp") {
		t.Errorf("query must mount the capture directory: %s", got)
	}
}

func TestExecRunnerStreamsLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	res, err := ExecRunner{}.Run(context.Background(), "sh", []string{"-c", "echo one; echo two 1>&2"}, func(s Stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, s.String()+":"+line)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stdout != "one\n" || res.Stderr != "two\n" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(lines) != 2 {
		t.Errorf("expected 2 streamed lines, got %v", lines)
	}
}

func TestExecRunnerExitCode(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), "sh", []string{"-c", "echo boom 1>&2; exit 3"}, nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.Code)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in message, got %v", err)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("got %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("got %q", got)
	}
}
