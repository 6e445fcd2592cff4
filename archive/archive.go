// Package archive packs stimulus pools for transfer between lab machines and
// imports them again, verifying every image against the manifest.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"

	"github.com/stevecastle/haploscope/pool"
)

// ErrUnsafePath is returned for archive entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Progress reports extraction progress.
type Progress struct {
	Done    int
	Total   int
	Message string
}

// ProgressCallback receives extraction updates.
type ProgressCallback func(Progress)

// safeJoin resolves name under destDir, rejecting absolute paths and ".."
// escapes.
func safeJoin(destDir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	p := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return p, nil
}

func stripName(name, stripPrefix string) string {
	if stripPrefix != "" {
		name = strings.TrimPrefix(name, stripPrefix)
	}
	return name
}

func report(cb ProgressCallback, i, total int) {
	if cb != nil && (i%10 == 0 || i == total-1) {
		cb(Progress{Done: i + 1, Total: total, Message: fmt.Sprintf("Extracting %d/%d files...", i+1, total)})
	}
}

func writeFile(destPath string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", destPath, err)
	}
	return out.Close()
}

// ExtractZip extracts a ZIP archive to destDir. If stripPrefix is set it is
// removed from entry names first.
func ExtractZip(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		reader.Close()
		return fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		report(progressCb, i, len(reader.File))
		name := stripName(file.Name, stripPrefix)
		if name == "" || file.FileInfo().IsDir() {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Extract7z extracts a 7z archive to destDir.
func Extract7z(archivePath, destDir, stripPrefix string, progressCb ProgressCallback) error {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	for i, file := range reader.File {
		report(progressCb, i, len(reader.File))
		name := stripName(file.Name, stripPrefix)
		if name == "" {
			continue
		}
		destPath, err := safeJoin(destDir, name)
		if err != nil {
			return err
		}
		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
		}
		err = writeFile(destPath, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ExtractTarGz extracts a tar.gz archive to destDir.
func ExtractTarGz(archivePath, destDir string, progressCb ProgressCallback) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for i := 0; ; i++ {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}
		if progressCb != nil && i%10 == 0 {
			progressCb(Progress{Done: i + 1, Message: fmt.Sprintf("Extracting %s...", filepath.Base(header.Name))})
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		destPath, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := writeFile(destPath, tr); err != nil {
			return err
		}
	}
}

// Extract picks the extractor from the archive extension.
func Extract(archivePath, destDir string, progressCb ProgressCallback) error {
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractZip(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".7z"):
		return Extract7z(archivePath, destDir, "", progressCb)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return ExtractTarGz(archivePath, destDir, progressCb)
	}
	return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
}

// findPoolRoot returns the directory under dir holding the manifest. Archives
// may wrap the pool in one top-level folder.
func findPoolRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, pool.ManifestName)); err == nil {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var subdirs []string
	for _, e := range entries {
		if e.IsDir() {
			subdirs = append(subdirs, e.Name())
		}
	}
	if len(subdirs) == 1 {
		sub := filepath.Join(dir, subdirs[0])
		if _, err := os.Stat(filepath.Join(sub, pool.ManifestName)); err == nil {
			return sub, nil
		}
	}
	return "", fmt.Errorf("no %s found in archive", pool.ManifestName)
}

// ImportPool extracts archivePath into destDir and verifies the pool inside.
// It returns the pool directory and its manifest rows.
func ImportPool(archivePath, destDir string, width, height int, progressCb ProgressCallback) (string, []pool.Entry, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", nil, err
	}
	if err := Extract(archivePath, destDir, progressCb); err != nil {
		return "", nil, err
	}
	root, err := findPoolRoot(destDir)
	if err != nil {
		return "", nil, err
	}
	entries, err := pool.Verify(root, width, height)
	if err != nil {
		return "", nil, fmt.Errorf("imported pool is incomplete: %w", err)
	}
	return root, entries, nil
}

// PackZip writes the manifest of the pool in dir and every image it names
// into a ZIP archive at archivePath.
func PackZip(dir, archivePath string) error {
	entries, err := pool.ReadManifest(filepath.Join(dir, pool.ManifestName))
	if err != nil {
		return err
	}
	names := []string{pool.ManifestName}
	for _, e := range entries {
		names = append(names, e.LeftFile, e.RightFile)
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	for _, name := range names {
		if err := addZipFile(zw, dir, name); err != nil {
			zw.Close()
			out.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addZipFile(zw *zip.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	// PNGs are already compressed.
	method := zip.Store
	if strings.HasSuffix(name, ".csv") {
		method = zip.Deflate
	}
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
