package docker

import (
	"context"
	"fmt"
	"log/slog"
)

// Binary is the default process manager executable.
const Binary = "docker"

// Client issues process-manager commands.
type Client struct {
	runner Runner
	binary string
	log    *slog.Logger
}

// NewClient creates a Client. A nil runner uses ExecRunner.
func NewClient(runner Runner, log *slog.Logger) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{runner: runner, binary: Binary, log: log}
}

// Pull fetches an image.
func (c *Client) Pull(ctx context.Context, image string) error {
	_, err := c.runner.Run(ctx, c.binary, []string{"pull", image}, c.debugLines("pull"))
	if err != nil {
		return fmt.Errorf("pull %s: %w", image, err)
	}
	return nil
}

// Launch runs "docker <args>" (args normally from RunSpec.Args) and returns
// everything it printed. For detached launches that output carries the
// container ID.
func (c *Client) Launch(ctx context.Context, args []string, onLine LineFunc) (string, error) {
	c.log.Debug("launching container", "args", args)

	res, err := c.runner.Run(ctx, c.binary, args, onLine)
	if err != nil {
		return res.Combined(), fmt.Errorf("launch: %w", err)
	}
	return res.Combined(), nil
}

// ListRunning returns the raw listing of running containers. The listing
// shows truncated container IDs.
func (c *Client) ListRunning(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, c.binary, []string{"ps", "-a", "-f", "status=running"}, nil)
	if err != nil {
		return "", fmt.Errorf("list running containers: %w", err)
	}
	return res.Stdout, nil
}

// Stop stops the container with the given ID.
func (c *Client) Stop(ctx context.Context, id string) error {
	if _, err := c.runner.Run(ctx, c.binary, []string{"stop", id}, c.debugLines("stop")); err != nil {
		return fmt.Errorf("stop %s: %w", ShortID(id), err)
	}
	return nil
}

// FollowLogs streams the container's output until the container exits or
// ctx is cancelled.
func (c *Client) FollowLogs(ctx context.Context, id string, onLine LineFunc) error {
	_, err := c.runner.Run(ctx, c.binary, []string{"logs", "--follow", id}, onLine)
	if err != nil {
		return fmt.Errorf("logs %s: %w", ShortID(id), err)
	}
	return nil
}

// Query runs a one-shot container with a bash entrypoint and returns its
// stdout. dir is bind-mounted at the same path so files named in shellCmd
// resolve inside the container.
func (c *Client) Query(ctx context.Context, image, dir, shellCmd string) (string, error) {
	spec := RunSpec{
		Remove:     true,
		Image:      image,
		Entrypoint: "/bin/bash",
		Mounts:     []Mount{{Source: dir, Target: dir}},
		Command:    []string{"-c", shellCmd},
	}
	c.log.Debug("running query container", "image", image, "dir", dir, "command", shellCmd)

	res, err := c.runner.Run(ctx, c.binary, spec.Args(), nil)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", image, err)
	}
	return res.Stdout, nil
}

func (c *Client) debugLines(op string) LineFunc {
	return func(s Stream, line string) {
		c.log.Debug("docker "+op, "stream", s.String(), "line", line)
	}
}

// ShortID returns the 12-character form of a container ID.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
