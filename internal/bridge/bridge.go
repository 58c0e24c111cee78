// Package bridge turns externally produced export files into delivery jobs.
// New exports for a project are packed into a single tar.gz with a manifest
// and dropped into the outbox, where the delivery queue picks them up. A
// per-project low-water mark keeps a file from being packaged twice.
package bridge

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// ManifestName is the first entry of every package.
const ManifestName = "manifest.json"

// PackageSuffix identifies bridge packages.
const PackageSuffix = ".tar.gz"

const timestampLayout = "20060102_150405"

// exportExts are the file extensions collected from an export directory.
var exportExts = map[string]bool{
	".json":  true,
	".wl":    true,
	".gz":    true,
	".csv":   true,
	".jsonl": true,
}

// ErrInvalidProject is returned for project names that are not a single path
// element.
var ErrInvalidProject = errors.New("invalid project name")

// Manifest describes the contents of a package.
type Manifest struct {
	Project   string   `json:"project"`
	Timestamp string   `json:"timestamp"`
	Files     []string `json:"files"`
	NodeID    string   `json:"node_id"`
	PackageID string   `json:"package_id"`
}

// MarkStore persists the per-project low-water mark.
type MarkStore interface {
	Mark(project string) (time.Time, error)
	SetMark(project string, mark time.Time) error
}

// Exporter produces fresh export files for a project.
type Exporter interface {
	Export(ctx context.Context, project string) error
}

// Config configures a Bridge.
type Config struct {
	Outbox  string
	LogBase string // default export root: <LogBase>/<project>
	NodeID  string
	Marks   MarkStore

	Exporter Exporter

	// KeepOriginal leaves packaged export files in place.
	KeepOriginal bool

	Logger *logrus.Logger
	Now    func() time.Time
}

// Bridge packages export files into the outbox.
type Bridge struct {
	cfg Config
	log *logrus.Entry
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Outbox == "" {
		return nil, errors.New("bridge: outbox required")
	}
	if cfg.Marks == nil {
		return nil, errors.New("bridge: mark store required")
	}
	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Bridge{cfg: cfg, log: cfg.Logger.WithField("component", "bridge")}, nil
}

func validProject(project string) error {
	if project == "" || project == "." || project == ".." || strings.ContainsAny(project, `/\`) {
		return fmt.Errorf("%q: %w", project, ErrInvalidProject)
	}
	return nil
}

// Deliver packages every export file in exportDir newer than the project's
// mark and returns the package path, or "" when there is nothing new. An
// empty exportDir means <LogBase>/<project>.
func (b *Bridge) Deliver(ctx context.Context, project, exportDir string) (string, error) {
	if err := validProject(project); err != nil {
		return "", err
	}
	if exportDir == "" {
		exportDir = filepath.Join(b.cfg.LogBase, project)
	}
	log := b.log.WithField("project", project)

	if _, err := os.Stat(exportDir); err != nil {
		log.WithField("dir", exportDir).Warn("export directory missing")
		return "", nil
	}

	mark, err := b.cfg.Marks.Mark(project)
	if err != nil {
		return "", err
	}
	files, newest, err := collect(exportDir, mark)
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		log.Debug("no new export files")
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	log.WithField("files", len(files)).Info("packaging new exports")
	pkg, err := b.pack(project, files)
	if err != nil {
		return "", err
	}
	if err := b.cfg.Marks.SetMark(project, newest); err != nil {
		return pkg, fmt.Errorf("advance mark: %w", err)
	}

	if !b.cfg.KeepOriginal {
		for _, f := range files {
			if err := os.Remove(f); err != nil {
				log.WithError(err).WithField("file", filepath.Base(f)).Warn("remove exported file")
			}
		}
	}
	log.WithField("package", filepath.Base(pkg)).Info("package queued")
	return pkg, nil
}

// ExportAndDeliver runs the exporter and then Deliver with the default
// export directory.
func (b *Bridge) ExportAndDeliver(ctx context.Context, project string) (string, error) {
	if err := validProject(project); err != nil {
		return "", err
	}
	if b.cfg.Exporter != nil {
		if err := b.cfg.Exporter.Export(ctx, project); err != nil {
			return "", fmt.Errorf("export %s: %w", project, err)
		}
	}
	return b.Deliver(ctx, project, "")
}

// collect returns export files with mtime strictly after mark, oldest first,
// and the newest mtime among them.
func collect(dir string, mark time.Time) ([]string, time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read export dir: %w", err)
	}

	type candidate struct {
		path  string
		mtime time.Time
	}
	var found []candidate
	for _, e := range entries {
		if !e.Type().IsRegular() || !exportExts[filepath.Ext(e.Name())] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(mark) {
			found = append(found, candidate{filepath.Join(dir, e.Name()), info.ModTime()})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].mtime.Before(found[j].mtime) })

	var (
		paths  []string
		newest time.Time
	)
	for _, c := range found {
		paths = append(paths, c.path)
		if c.mtime.After(newest) {
			newest = c.mtime
		}
	}
	return paths, newest, nil
}

// pack writes the package under a hidden temp name in the outbox and renames
// it into place once complete.
func (b *Bridge) pack(project string, files []string) (string, error) {
	if err := os.MkdirAll(b.cfg.Outbox, 0755); err != nil {
		return "", fmt.Errorf("create outbox: %w", err)
	}

	id := uuid.New().String()
	ts := b.cfg.Now().Format(timestampLayout)
	name := fmt.Sprintf("%s_%s_%s%s", project, ts, id[:8], PackageSuffix)
	final := filepath.Join(b.cfg.Outbox, name)
	tmp := filepath.Join(b.cfg.Outbox, "."+name+".tmp")

	m := Manifest{
		Project:   project,
		Timestamp: ts,
		NodeID:    b.cfg.NodeID,
		PackageID: id,
	}
	for _, f := range files {
		m.Files = append(m.Files, filepath.Base(f))
	}

	if err := writePackage(tmp, m, files); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit package: %w", err)
	}
	return final, nil
}

func writePackage(path string, m Manifest, files []string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create package: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     ManifestName,
		Mode:     0644,
		Size:     int64(len(manifest)),
		ModTime:  time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, f := range files {
		if err := addFile(tw, f); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("close gzip: %w", err)
	}
	return out.Close()
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header %s: %w", filepath.Base(path), err)
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", hdr.Name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write %s: %w", hdr.Name, err)
	}
	return nil
}
