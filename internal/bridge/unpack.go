package bridge

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ErrNotPackage is returned when an archive does not start with a manifest.
var ErrNotPackage = errors.New("not a bridge package")

// IsPackage reports whether name looks like a bridge package.
func IsPackage(name string) bool {
	return strings.HasSuffix(name, PackageSuffix)
}

// Unpack extracts a package into <destRoot>/<project>/ and returns its
// manifest. Entries are flattened to their base name; anything that is not a
// regular file, or whose name would leave the project directory, is rejected.
func Unpack(path, destRoot string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", errors.Join(ErrNotPackage, err))
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	first, err := tr.Next()
	if err != nil || first.Name != ManifestName {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNotPackage)
	}
	var m Manifest
	if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := validProject(m.Project); err != nil {
		return nil, err
	}

	dest := filepath.Join(destRoot, m.Project)
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("create project dir: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return &m, fmt.Errorf("read package: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return &m, fmt.Errorf("entry %q: unsupported type", hdr.Name)
		}
		name := hdr.Name
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return &m, fmt.Errorf("entry %q: unsafe path", hdr.Name)
		}
		if err := extract(tr, filepath.Join(dest, name)); err != nil {
			return &m, err
		}
	}
	return &m, nil
}

func extract(r io.Reader, path string) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", filepath.Base(path), err)
	}
	return out.Close()
}
