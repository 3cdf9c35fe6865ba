package analyze

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// maxParallel bounds concurrent query containers.
const maxParallel = 4

// Querier runs a one-shot tracer container with dir mounted and returns
// its stdout.
type Querier interface {
	Query(ctx context.Context, image, dir, shellCmd string) (string, error)
}

// Result is the outcome of one query.
type Result struct {
	Query Query
	File  string
	Rows  [][]string
}

// Analyzer runs queries against a capture file.
type Analyzer struct {
	querier Querier
	image   string
	dir     string
	log     *slog.Logger
}

// New creates an Analyzer that writes query output under dir.
func New(q Querier, image, dir string, log *slog.Logger) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{querier: q, image: image, dir: dir, log: log}
}

// Run executes every query concurrently. Results are returned in query
// order. Any failed query fails the run.
func (a *Analyzer) Run(ctx context.Context, captureFile string, queries []Query) ([]Result, error) {
	results := make([]Result, len(queries))
	captureDir := filepath.Dir(captureFile)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for i, q := range queries {
		g.Go(func() error {
			out, err := a.querier.Query(gctx, a.image, captureDir, q.Command(captureFile))
			if err != nil {
				return fmt.Errorf("query %s: %w", q.Name, err)
			}
			file := filepath.Join(a.dir, q.OutputName())
			if err := os.WriteFile(file, []byte(out), 0o644); err != nil {
				return fmt.Errorf("write %s: %w", file, err)
			}
			a.log.Info("query output written", "query", q.Name, "file", file, "bytes", len(out))

			rows, err := LoadRows(file, q.Columns())
			if err != nil {
				return fmt.Errorf("query %s: %w", q.Name, err)
			}
			results[i] = Result{Query: q, File: file, Rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// LoadRows reads a JSON-lines query output and projects each record onto
// columns. Keys a record lacks render empty. A missing or empty file yields
// no rows.
func LoadRows(path string, columns []string) ([][]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows [][]string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", filepath.Base(path), lineNo, err)
		}
		row := make([]string, len(columns))
		for i, c := range columns {
			if v, ok := rec[c]; ok && v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, nil
}
