package file

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stlalpha/v3mail/internal/archiver"
)

func TestScanFile_PlainFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "hello.txt")
	os.WriteFile(p, []byte("hello world"), 0644)

	res, err := ScanFile(p, archiver.NewUtility(archiver.DefaultConfig()), dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Size != 11 {
		t.Errorf("Size = %d", res.Size)
	}
	if res.CRC32 != "0D4A1185" {
		t.Errorf("CRC32 = %s", res.CRC32)
	}
	if res.SHA256 != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Errorf("SHA256 = %s", res.SHA256)
	}
	if res.ArchiveType != "" || res.Diz != "" {
		t.Errorf("plain file should not be an archive: %+v", res)
	}
}

func TestScanFile_ZipWithDiz(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	os.MkdirAll(src, 0755)
	diz := filepath.Join(src, "file_id.diz")
	os.WriteFile(diz, []byte("Cool Utility v1.0\r\n\xb3 by SysOp \xb3\r\n\x1a"), 0644)
	other := filepath.Join(src, "tool.exe")
	os.WriteFile(other, []byte("MZ"), 0644)

	util := archiver.NewUtility(archiver.DefaultConfig())
	zipPath := filepath.Join(dir, "tool.zip")
	if err := util.Compress("zip", zipPath, []string{diz, other}); err != nil {
		t.Fatalf("Compress: %v", err)
	}

	res, err := ScanFile(zipPath, util, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ArchiveType != "zip" {
		t.Errorf("ArchiveType = %q", res.ArchiveType)
	}
	want := "Cool Utility v1.0\n│ by SysOp │"
	if res.Diz != want {
		t.Errorf("Diz = %q, want %q", res.Diz, want)
	}

	// The extraction directory is cleaned up.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "diz-") {
			t.Errorf("leftover temp dir %s", e.Name())
		}
	}
}

func TestScanFile_Missing(t *testing.T) {
	if _, err := ScanFile(filepath.Join(t.TempDir(), "nope"), nil, ""); err == nil {
		t.Error("expected error for missing file")
	}
}
