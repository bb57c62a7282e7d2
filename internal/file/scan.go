package file

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/stlalpha/v3mail/internal/logging"
)

// DescriptionFile is the in-archive description read by ScanFile.
const DescriptionFile = "FILE_ID.DIZ"

// Archive is the subset of the archive utility ScanFile needs.
type Archive interface {
	DetectType(path string) (string, error)
	ExtractFile(archivePath, name, destDir string) (string, error)
}

// ScanResult describes a physical file.
type ScanResult struct {
	Size        int64
	CRC32       string // upper-case hex
	SHA256      string
	ArchiveType string // empty when not a recognised archive
	Diz         string // FILE_ID.DIZ contents, decoded
}

// ScanFile hashes the file at path and, when arc recognises it as an
// archive, reads its FILE_ID.DIZ into Diz. tempDir receives the extracted
// description and is cleaned up before returning. arc may be nil.
func ScanFile(path string, arc Archive, tempDir string) (ScanResult, error) {
	var res ScanResult

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	sum := sha256.New()
	n, err := io.Copy(io.MultiWriter(crc, sum), f)
	if err != nil {
		return res, fmt.Errorf("hash %s: %w", path, err)
	}
	res.Size = n
	res.CRC32 = fmt.Sprintf("%08X", crc.Sum32())
	res.SHA256 = hex.EncodeToString(sum.Sum(nil))

	if arc == nil {
		return res, nil
	}
	typ, err := arc.DetectType(path)
	if err != nil {
		logging.Debug("ScanFile: %s is not an archive: %v", path, err)
		return res, nil
	}
	res.ArchiveType = typ

	dir, err := os.MkdirTemp(tempDir, "diz-")
	if err != nil {
		return res, fmt.Errorf("diz temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dizPath, err := arc.ExtractFile(path, DescriptionFile, dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Debug("ScanFile: %s: extract %s: %v", path, DescriptionFile, err)
		}
		return res, nil
	}
	raw, err := os.ReadFile(dizPath)
	if err != nil {
		return res, nil
	}
	res.Diz = decodeDiz(raw)
	return res, nil
}

// decodeDiz returns raw as text: UTF-8 when valid, otherwise CP437.
func decodeDiz(raw []byte) string {
	var s string
	if utf8.Valid(raw) {
		s = string(raw)
	} else if dec, err := charmap.CodePage437.NewDecoder().Bytes(raw); err == nil {
		s = string(dec)
	} else {
		s = string(raw)
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimRight(s, "\x1a\r\n \t")
	return s
}
