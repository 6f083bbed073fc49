package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"

	logx "puddlejobs/pkg/logx"
)

var (
	ErrArtifactNotFound = errors.New("artifact: not found")
	ErrArtifactExists   = errors.New("artifact: version already stored")
	ErrInvalidManifest  = errors.New("artifact: invalid manifest")
	ErrInvalidArchive   = errors.New("artifact: invalid archive")
	ErrInvalidLocator   = errors.New("artifact: invalid locator")
)

const DefaultManifest = "puddle.yaml"

// Unit is a loadable artifact: its extracted directory and parsed manifest.
type Unit struct {
	Locator  string
	Dir      string
	Hint     string
	Manifest *Manifest
}

// Store persists and retrieves artifact payloads.
type Store interface {
	Save(ctx context.Context, assemblyName, version string, data []byte) (string, error)
	Load(ctx context.Context, locator, hint string) (*Unit, error)
	Remove(ctx context.Context, locator string) error
}

// LocalStore keeps artifacts on the local filesystem. Locators are paths
// relative to BasePath.
type LocalStore struct {
	base     string
	manifest string
	log      logx.Logger
}

func NewLocalStore(basePath, manifest string, log logx.Logger) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("artifact: base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if strings.TrimSpace(manifest) == "" {
		manifest = DefaultManifest
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LocalStore{base: abs, manifest: manifest, log: log.With(logx.String("comp", "artifact"))}, nil
}

func (s *LocalStore) BasePath() string { return s.base }

// Save extracts the zip payload and returns its locator. The archive must
// contain the manifest at its root.
func (s *LocalStore) Save(ctx context.Context, assemblyName, version string, data []byte) (string, error) {
	name := slug.Make(assemblyName)
	if name == "" {
		return "", fmt.Errorf("%w: assembly name %q", ErrInvalidLocator, assemblyName)
	}
	version = strings.TrimSpace(version)
	if version == "" || version == "." || version == ".." || strings.ContainsAny(version, `/\`) {
		return "", fmt.Errorf("%w: version %q", ErrInvalidLocator, version)
	}
	locator := filepath.ToSlash(filepath.Join(name, version))
	final := filepath.Join(s.base, name, version)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("%w: %s", ErrArtifactExists, locator)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(final), "."+version+".upload-*")
	if err != nil {
		return "", err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := extractFile(tmp, f); err != nil {
			return "", err
		}
	}
	if _, err := readManifest(filepath.Join(tmp, s.manifest)); err != nil {
		if errors.Is(err, ErrArtifactNotFound) {
			return "", fmt.Errorf("%w: missing %s", ErrInvalidArchive, s.manifest)
		}
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", err
	}
	committed = true

	s.log.Info("artifact stored",
		logx.String("assembly", assemblyName),
		logx.String("version", version),
		logx.String("locator", locator),
		logx.Int("files", len(zr.File)),
	)
	return locator, nil
}

// Load resolves locator and parses its manifest. A missing directory or
// manifest yields ErrArtifactNotFound.
func (s *LocalStore) Load(ctx context.Context, locator, hint string) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.resolve(locator)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, locator)
	}
	m, err := readManifest(filepath.Join(dir, s.manifest))
	if err != nil {
		return nil, err
	}
	return &Unit{Locator: locator, Dir: dir, Hint: hint, Manifest: m}, nil
}

func (s *LocalStore) Remove(_ context.Context, locator string) error {
	dir, err := s.resolve(locator)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (s *LocalStore) resolve(locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if locator == "" || filepath.IsAbs(locator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	dir := filepath.Join(s.base, filepath.FromSlash(locator))
	if !within(s.base, dir) || dir == s.base {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return dir, nil
}

func extractFile(root string, f *zip.File) error {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	if !within(root, target) {
		return fmt.Errorf("%w: entry %q escapes archive root", ErrInvalidArchive, f.Name)
	}
	mode := f.Mode()
	if mode&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: symlink %q not allowed", ErrInvalidArchive, f.Name)
	}
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
