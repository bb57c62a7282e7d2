package tosser

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/stlalpha/v3mail/internal/logging"
)

// Tic is a parsed TIC file announcement.
type Tic struct {
	Path string // the .tic file itself

	Area      string
	AreaDesc  string
	Origin    string
	From      string
	To        string
	File      string
	LFile     string // long name, when the sender has one
	Size      int64
	HasSize   bool
	CRC       string // upper-case hex
	Desc      string
	LDesc     []string
	Replaces  string
	Password  string
	Created   string
	PathLines []string
	SeenBy    []string
}

// TicParseError reports a malformed TIC line.
type TicParseError struct {
	Line   int
	Reason string
}

func (e *TicParseError) Error() string {
	return fmt.Sprintf("tic: line %d: %s", e.Line, e.Reason)
}

// ParseTic reads a TIC file. Keys are case-insensitive; Ldesc, Path and
// Seenby may repeat. Text is UTF-8 when valid, otherwise CP437.
func ParseTic(r io.Reader) (*Tic, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(raw) {
		if dec, err := charmap.CodePage437.NewDecoder().Bytes(raw); err == nil {
			raw = dec
		}
	}

	tic := &Tic{}
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r\x1a \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, _ := strings.Cut(strings.TrimLeft(line, " \t"), " ")
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "area":
			tic.Area = strings.ToUpper(value)
		case "areadesc":
			tic.AreaDesc = value
		case "origin":
			tic.Origin = value
		case "from":
			tic.From = value
		case "to":
			tic.To = value
		case "file":
			tic.File = value
		case "lfile", "fullname":
			tic.LFile = value
		case "size":
			v, err := strconv.ParseInt(value, 10, 64)
			if err != nil || v < 0 {
				return nil, &TicParseError{Line: n, Reason: fmt.Sprintf("bad size %q", value)}
			}
			tic.Size, tic.HasSize = v, true
		case "crc":
			v, err := strconv.ParseUint(value, 16, 32)
			if err != nil {
				return nil, &TicParseError{Line: n, Reason: fmt.Sprintf("bad crc %q", value)}
			}
			tic.CRC = fmt.Sprintf("%08X", v)
		case "desc":
			tic.Desc = value
		case "ldesc":
			tic.LDesc = append(tic.LDesc, value)
		case "replaces":
			tic.Replaces = value
		case "pw":
			tic.Password = value
		case "created":
			tic.Created = value
		case "path":
			tic.PathLines = append(tic.PathLines, value)
		case "seenby":
			tic.SeenBy = append(tic.SeenBy, value)
		default:
			logging.Debug("tic: ignoring %q", key)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tic, nil
}

// LoadTic parses the TIC file at path.
func LoadTic(path string) (*Tic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tic, err := ParseTic(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	tic.Path = path
	return tic, nil
}

// FileName is the name the file is stored under.
func (t *Tic) FileName() string {
	if t.LFile != "" {
		return t.LFile
	}
	return t.File
}

// Validate checks the fields every TIC must carry.
func (t *Tic) Validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"Area", t.Area},
		{"Origin", t.Origin},
		{"From", t.From},
		{"File", t.File},
		{"Crc", t.CRC},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if strings.ContainsAny(t.FileName(), `/\`) || strings.Contains(t.FileName(), "..") {
		return fmt.Errorf("unsafe file name %q", t.FileName())
	}
	return nil
}

// LocateAttachment finds the announced file next to the TIC: the long
// name first, then File, each matched case-insensitively.
func (t *Tic) LocateAttachment() (string, error) {
	dir := filepath.Dir(t.Path)
	var entries []os.DirEntry
	for _, name := range []string{t.LFile, t.File} {
		if name == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, nil
		}
		if entries == nil {
			var err error
			if entries, err = os.ReadDir(dir); err != nil {
				return "", err
			}
		}
		for _, e := range entries {
			if !e.IsDir() && strings.EqualFold(e.Name(), name) {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("attachment %q: %w", t.FileName(), os.ErrNotExist)
}

// Description picks the stored short and long descriptions. priority
// "diz" prefers the archive's FILE_ID.DIZ, "tic" the TIC text; either
// falls back to the other, then to a name derived from the file name.
func (t *Tic) Description(priority, diz string) (short, long string) {
	ticLong := strings.Join(t.LDesc, "\n")
	fromTic := func() (string, string, bool) {
		if t.Desc == "" && ticLong == "" {
			return "", "", false
		}
		s := t.Desc
		if s == "" {
			s = firstLine(ticLong)
		}
		return s, ticLong, true
	}
	fromDiz := func() (string, string, bool) {
		if diz == "" {
			return "", "", false
		}
		return firstLine(diz), diz, true
	}

	order := []func() (string, string, bool){fromTic, fromDiz}
	if strings.EqualFold(priority, "diz") {
		order = []func() (string, string, bool){fromDiz, fromTic}
	}
	for _, f := range order {
		if s, l, ok := f(); ok {
			return s, l
		}
	}
	return nameDescription(t.FileName()), ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// nameDescription turns "cool_util-v2.zip" into "cool util v2".
func nameDescription(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	return strings.Join(strings.FieldsFunc(stem, func(r rune) bool {
		return r == '_' || r == '-' || r == '.' || r == ' '
	}), " ")
}

// ticAttachments returns the lower-cased names of the files announced by
// tics, so bundle detection leaves them alone.
func ticAttachments(tics []string) map[string]bool {
	out := make(map[string]bool)
	for _, p := range tics {
		tic, err := LoadTic(p)
		if err != nil {
			continue
		}
		for _, name := range []string{tic.File, tic.LFile} {
			if name != "" {
				out[strings.ToLower(name)] = true
			}
		}
	}
	return out
}
