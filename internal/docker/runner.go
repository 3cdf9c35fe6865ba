// Package docker drives the container process manager through its CLI.
// Launching, listing, stopping and querying agent containers all go through
// a Runner so that tests can script the process manager's responses.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineFunc receives each output line as it is produced.
type LineFunc func(stream Stream, line string)

// Result is the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Runner executes one process-manager command to completion.
// onLine may be nil.
type Runner interface {
	Run(ctx context.Context, name string, args []string, onLine LineFunc) (Result, error)
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Command, e.Code)
	if s := lastLine(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	// Env, when non-nil, replaces the inherited environment.
	Env []string
}

// Run starts the command, streams its stdout and stderr line by line to
// onLine, and waits for it to exit.
func (r ExecRunner) Run(ctx context.Context, name string, args []string, onLine LineFunc) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", name, err)
	}

	var (
		mu       sync.Mutex
		outBuf   strings.Builder
		errBuf   strings.Builder
		wg       sync.WaitGroup
		emitLine = func(s Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			if s == Stderr {
				errBuf.WriteString(line + "\n")
			} else {
				outBuf.WriteString(line + "\n")
			}
			if onLine != nil {
				onLine(s, line)
			}
		}
	)

	wg.Add(2)
	go func() { defer wg.Done(); scanLines(stdout, Stdout, emitLine) }()
	go func() { defer wg.Done(); scanLines(stderr, Stderr, emitLine) }()
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			return res, &ExitError{
				Command: name + " " + firstArg(args),
				Code:    res.ExitCode,
				Stderr:  res.Stderr,
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, waitErr
	}
	return res, nil
}

func scanLines(r io.Reader, s Stream, emit func(Stream, string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		emit(s, scanner.Text())
	}
	// Drain so the child never blocks on a full pipe after a scan error.
	_, _ = io.Copy(io.Discard, r)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
