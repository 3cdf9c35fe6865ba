// Package artifact stores named file bundles produced by one phase or job
// and consumed by another.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no artifact has the requested name.
var ErrNotFound = errors.New("artifact not found")

const manifestName = "artifact.json"

var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// Artifact describes an uploaded bundle.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Store uploads and downloads artifacts.
type Store interface {
	Upload(ctx context.Context, name string, files []string, rootDir string) (Artifact, error)
	Get(ctx context.Context, name string) (Artifact, error)
	Download(ctx context.Context, name, destDir string) error
}

// DirStore keeps artifacts in a directory, one subdirectory per name.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

// DefaultDir returns $RUNWATCH_ARTIFACT_DIR, else
// $RUNNER_TEMP/runwatch-artifacts, else a directory under the system temp.
func DefaultDir() string {
	if d := os.Getenv("RUNWATCH_ARTIFACT_DIR"); d != "" {
		return d
	}
	base := os.Getenv("RUNNER_TEMP")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, "runwatch-artifacts")
}

// Upload copies files (paths under rootDir) into the store as name,
// replacing any earlier artifact with the same name.
func (s *DirStore) Upload(ctx context.Context, name string, files []string, rootDir string) (Artifact, error) {
	if !validName.MatchString(name) {
		return Artifact{}, fmt.Errorf("invalid artifact name %q", name)
	}
	if len(files) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: no files", name)
	}

	staging, err := os.MkdirTemp(s.root, "."+name+"-")
	if err != nil {
		return Artifact{}, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.RemoveAll(staging)

	a := Artifact{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return Artifact{}, err
		}
		rel, err := filepath.Rel(rootDir, f)
		if err != nil || strings.HasPrefix(rel, "..") {
			return Artifact{}, fmt.Errorf("artifact %s: %s is outside %s", name, f, rootDir)
		}
		n, err := copyFile(f, filepath.Join(staging, rel))
		if err != nil {
			return Artifact{}, fmt.Errorf("artifact %s: %w", name, err)
		}
		a.Size += n
		a.Files = append(a.Files, filepath.ToSlash(rel))
	}

	manifest, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return Artifact{}, err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), manifest, 0o600); err != nil {
		return Artifact{}, fmt.Errorf("write manifest: %w", err)
	}

	dest := filepath.Join(s.root, name)
	if err := os.RemoveAll(dest); err != nil {
		return Artifact{}, fmt.Errorf("replace artifact %s: %w", name, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return Artifact{}, fmt.Errorf("commit artifact %s: %w", name, err)
	}
	return a, nil
}

// Get returns the manifest of the named artifact.
func (s *DirStore) Get(ctx context.Context, name string) (Artifact, error) {
	if !validName.MatchString(name) {
		return Artifact{}, fmt.Errorf("invalid artifact name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.root, name, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("read manifest: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return Artifact{}, fmt.Errorf("parse manifest %s: %w", name, err)
	}
	return a, nil
}

// Download copies the named artifact's files into destDir.
func (s *DirStore) Download(ctx context.Context, name, destDir string) error {
	a, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	for _, rel := range a.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := filepath.Join(s.root, name, filepath.FromSlash(rel))
		if _, err := copyFile(src, filepath.Join(destDir, filepath.FromSlash(rel))); err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
