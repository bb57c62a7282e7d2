package archiver

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stlalpha/v3mail/internal/logging"
)

// signatureProbeSize is how many leading bytes DetectType reads.
const signatureProbeSize = 16

// ErrUnknownFormat is returned when a file matches no enabled archiver.
var ErrUnknownFormat = errors.New("archiver: unknown archive format")

// Utility performs archive operations using a Config's definitions.
type Utility struct {
	cfg Config
}

// NewUtility returns a Utility over cfg.
func NewUtility(cfg Config) *Utility {
	return &Utility{cfg: cfg}
}

// Config returns the definitions this Utility was built with.
func (u *Utility) Config() Config {
	return u.cfg
}

// DetectType returns the ID of the enabled archiver whose signature matches
// the file content. The filename is not consulted.
func (u *Utility) DetectType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, signatureProbeSize)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	a, ok := u.cfg.FindBySignature(head[:n])
	if !ok {
		return "", ErrUnknownFormat
	}
	return a.ID, nil
}

func (u *Utility) archiverFor(path string) (Archiver, error) {
	id, err := u.DetectType(path)
	if err != nil {
		return Archiver{}, err
	}
	a, _ := u.cfg.FindByID(id)
	return a, nil
}

// List returns the base names of the entries in an archive.
func (u *Utility) List(archivePath string) ([]string, error) {
	a, err := u.archiverFor(archivePath)
	if err != nil {
		return nil, err
	}
	if a.Native {
		r, err := zip.OpenReader(archivePath)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", filepath.Base(archivePath), err)
		}
		defer r.Close()
		var names []string
		for _, zf := range r.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			names = append(names, filepath.Base(zf.Name))
		}
		return names, nil
	}

	tmp, err := os.MkdirTemp("", "v3mail-list-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tmp)
	paths, err := u.Extract(archivePath, tmp)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names, nil
}

// Extract unpacks every entry of archivePath flat into destDir and returns
// the extracted paths. Directory components inside the archive are dropped.
func (u *Utility) Extract(archivePath, destDir string) ([]string, error) {
	a, err := u.archiverFor(archivePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create dest dir %s: %w", destDir, err)
	}
	if a.Native {
		return extractZip(archivePath, destDir)
	}
	return u.extractExternal(a, archivePath, destDir)
}

// ExtractFile extracts the single entry whose base name equals name
// (case-insensitive) into destDir. It returns os.ErrNotExist when the
// archive has no such entry.
func (u *Utility) ExtractFile(archivePath, name, destDir string) (string, error) {
	a, err := u.archiverFor(archivePath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("create dest dir %s: %w", destDir, err)
	}

	if a.Native {
		r, err := zip.OpenReader(archivePath)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", filepath.Base(archivePath), err)
		}
		defer r.Close()
		for _, zf := range r.File {
			base := filepath.Base(zf.Name)
			if zf.FileInfo().IsDir() || !strings.EqualFold(base, name) {
				continue
			}
			dest := filepath.Join(destDir, base)
			if err := extractZipFile(zf, dest); err != nil {
				return "", fmt.Errorf("extract %s: %w", base, err)
			}
			return dest, nil
		}
		return "", fmt.Errorf("%s in %s: %w", name, filepath.Base(archivePath), os.ErrNotExist)
	}

	tmp, err := os.MkdirTemp("", "v3mail-extract-")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(tmp)
	paths, err := u.extractExternal(a, archivePath, tmp)
	if err != nil {
		return "", err
	}
	for _, p := range paths {
		if strings.EqualFold(filepath.Base(p), name) {
			dest := filepath.Join(destDir, filepath.Base(p))
			if err := moveFile(p, dest); err != nil {
				return "", err
			}
			return dest, nil
		}
	}
	return "", fmt.Errorf("%s in %s: %w", name, filepath.Base(archivePath), os.ErrNotExist)
}

// Compress creates archivePath of the given archiver type holding files.
// The archive is written to a temporary name and renamed on success so a
// partial archive is never left at archivePath.
func (u *Utility) Compress(archiveType, archivePath string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	a, ok := u.cfg.FindByID(archiveType)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFormat, archiveType)
	}
	if !a.Enabled {
		return fmt.Errorf("archiver %q is disabled", a.ID)
	}
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	tmpPath := archivePath + ".tmp"
	var err error
	if a.Native {
		err = compressZip(tmpPath, files)
	} else {
		err = runCommand(a.Pack, tmpPath, files, "")
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%s compress %s: %w", a.ID, filepath.Base(archivePath), err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename archive: %w", err)
	}
	logging.Debug("archiver: %s created %s with %d file(s)", a.ID, archivePath, len(files))
	return nil
}

func (u *Utility) extractExternal(a Archiver, archivePath, destDir string) ([]string, error) {
	if a.Unpack.IsEmpty() {
		return nil, fmt.Errorf("archiver %q has no unpack command", a.ID)
	}
	before := listFiles(destDir)
	if err := runCommand(a.Unpack, archivePath, nil, destDir); err != nil {
		return nil, fmt.Errorf("%s unpack %s: %w", a.ID, filepath.Base(archivePath), err)
	}
	var out []string
	for p := range listFiles(destDir) {
		if _, existed := before[p]; !existed {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// listFiles returns the regular files under dir, recursively.
func listFiles(dir string) map[string]struct{} {
	files := make(map[string]struct{})
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err == nil && d.Type().IsRegular() {
			files[p] = struct{}{}
		}
		return nil
	})
	return files
}

// runCommand executes cmd after substituting {ARCHIVE}, {OUTDIR} and
// {FILES}. A bare {FILES} argument expands to one argument per file.
func runCommand(cmd CommandDef, archive string, files []string, outDir string) error {
	if cmd.IsEmpty() {
		return errors.New("no command configured")
	}
	var args []string
	for _, arg := range cmd.Args {
		if arg == "{FILES}" {
			args = append(args, files...)
			continue
		}
		arg = strings.ReplaceAll(arg, "{ARCHIVE}", archive)
		arg = strings.ReplaceAll(arg, "{OUTDIR}", outDir)
		args = append(args, arg)
	}
	c := exec.Command(cmd.Command, args...)
	if outDir != "" {
		c.Dir = outDir
	}
	out, err := c.CombinedOutput()
	if err != nil {
		log.Printf("WARN: archiver: %s %s failed: %s", cmd.Command, strings.Join(args, " "), strings.TrimSpace(string(out)))
		return err
	}
	return nil
}

func extractZip(archivePath, destDir string) ([]string, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(archivePath), err)
	}
	defer r.Close()

	var extracted []string
	for _, zf := range r.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(zf.Name)
		destPath := filepath.Join(destDir, name)
		if err := extractZipFile(zf, destPath); err != nil {
			return extracted, fmt.Errorf("extract %s from %s: %w", name, filepath.Base(archivePath), err)
		}
		extracted = append(extracted, destPath)
	}
	return extracted, nil
}

func extractZipFile(zf *zip.File, destPath string) error {
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func compressZip(target string, files []string) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	for _, p := range files {
		if err := addFileToZip(zw, p); err != nil {
			zw.Close()
			f.Close()
			return fmt.Errorf("add %s: %w", filepath.Base(p), err)
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func addFileToZip(zw *zip.Writer, filePath string) error {
	in, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
