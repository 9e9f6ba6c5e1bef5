package bundle

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks a gzipped tarball into destDir, stripping the
// archive's single top-level directory component so releases packaged as
// "name-1.2.3/..." land directly in the version directory.
func extractArchive(tarPath, destDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(tarPath, ".gz") || strings.HasSuffix(tarPath, ".tgz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive header: %w", err)
		}

		name, ok := stripComponent(header.Name)
		if !ok {
			continue
		}
		if err := validatePath(name); err != nil {
			return err
		}
		target := filepath.Join(destDir, name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extracting %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := validatePath(header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("linking %s: %w", target, err)
			}
		case tar.TypeLink:
			// Hard link targets are archive paths, so they get the same
			// strip and traversal checks as the entry itself.
			linkName, ok := stripComponent(header.Linkname)
			if !ok {
				return fmt.Errorf("hard link %s targets the stripped top-level directory", header.Name)
			}
			if err := validatePath(linkName); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", target, err)
			}
			os.Remove(target)
			if err := os.Link(filepath.Join(destDir, linkName), target); err != nil {
				return fmt.Errorf("hard linking %s: %w", target, err)
			}
		default:
			return fmt.Errorf("unsupported archive entry type %d: %s", header.Typeflag, header.Name)
		}
	}
	return nil
}

// stripComponent drops the first path element. Entries with no remainder
// (the top-level directory itself) are skipped.
func stripComponent(name string) (string, bool) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	parts := strings.SplitN(name, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func validatePath(name string) error {
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return nil
}
