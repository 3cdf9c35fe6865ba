// Package ghsteps fetches the start and end time of every step in the
// current workflow job from the GitHub REST API.
package ghsteps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/ppiankov/runwatch/internal/correlate"
)

// ErrMissingCredential means no token is available; correlation is skipped.
var ErrMissingCredential = errors.New("GITHUB_TOKEN env variable not found")

const defaultAPIURL = "https://api.github.com"

// Config identifies the workflow run to query.
type Config struct {
	Token      string
	Owner      string
	Repo       string
	RunID      int64
	RunnerName string
	APIURL     string
}

// ConfigFromEnv reads the run context from the runner's environment.
// A missing token returns ErrMissingCredential.
func ConfigFromEnv(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Config{
		Token:      getenv("GITHUB_TOKEN"),
		RunnerName: getenv("RUNNER_NAME"),
		APIURL:     getenv("GITHUB_API_URL"),
	}
	if cfg.Token == "" {
		return cfg, ErrMissingCredential
	}

	owner, repo, ok := strings.Cut(getenv("GITHUB_REPOSITORY"), "/")
	if !ok || owner == "" || repo == "" {
		return cfg, fmt.Errorf("GITHUB_REPOSITORY %q is not owner/repo", getenv("GITHUB_REPOSITORY"))
	}
	cfg.Owner, cfg.Repo = owner, repo

	runID, err := strconv.ParseInt(getenv("GITHUB_RUN_ID"), 10, 64)
	if err != nil {
		return cfg, fmt.Errorf("GITHUB_RUN_ID: %w", err)
	}
	cfg.RunID = runID
	return cfg, nil
}

// Client lists the steps of the job this process runs in.
type Client struct {
	gh  *github.Client
	cfg Config
	log *slog.Logger
}

// New creates a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	gh := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	if cfg.APIURL != "" && strings.TrimRight(cfg.APIURL, "/") != defaultAPIURL {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.APIURL, cfg.APIURL)
		if err != nil {
			return nil, fmt.Errorf("github api url: %w", err)
		}
	}
	return &Client{gh: gh, cfg: cfg, log: log}, nil
}

// StepTimestamps returns the steps of the current job in execution order.
// The job is the one whose runner matches RUNNER_NAME, else the first job
// of the run.
func (c *Client) StepTimestamps(ctx context.Context) (*correlate.StepTimestamps, error) {
	jobs, err := c.listJobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("run %d has no jobs", c.cfg.RunID)
	}

	job := selectJob(jobs, c.cfg.RunnerName)
	c.log.Debug("selected job for correlation", "job", job.GetName(), "runner", job.GetRunnerName(), "steps", len(job.Steps))
	if len(job.Steps) == 0 {
		return nil, fmt.Errorf("no steps found in job %q", job.GetName())
	}

	steps := correlate.NewStepTimestamps()
	for _, s := range job.Steps {
		steps.Set(s.GetName(), correlate.Span{
			Start: formatTimestamp(s.StartedAt),
			End:   formatTimestamp(s.CompletedAt),
		})
	}
	return steps, nil
}

func (c *Client) listJobs(ctx context.Context) ([]*github.WorkflowJob, error) {
	opts := &github.ListWorkflowJobsOptions{
		Filter:      "latest",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var all []*github.WorkflowJob
	for {
		page, resp, err := c.gh.Actions.ListWorkflowJobs(ctx, c.cfg.Owner, c.cfg.Repo, c.cfg.RunID, opts)
		if err != nil {
			return nil, fmt.Errorf("list jobs for run %d: %w", c.cfg.RunID, err)
		}
		all = append(all, page.Jobs...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

func selectJob(jobs []*github.WorkflowJob, runner string) *github.WorkflowJob {
	if runner != "" {
		for _, j := range jobs {
			if j.GetRunnerName() == runner && j.GetStatus() == "in_progress" {
				return j
			}
		}
		for _, j := range jobs {
			if j.GetRunnerName() == runner {
				return j
			}
		}
	}
	return jobs[0]
}

func formatTimestamp(ts *github.Timestamp) string {
	if ts == nil || ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339Nano)
}
