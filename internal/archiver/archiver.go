// Package archiver holds the archive format registry used for FTN bundles
// and file-base scanning. Definitions load from archivers.json in the
// configs directory; ZIP is handled natively and other formats shell out to
// the configured commands.
package archiver

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Archiver describes one archive format. Bundles arrive under weekday
// names (.mo0, .tu1, ...), so formats are recognised by signature only.
type Archiver struct {
	// ID is what node configs name as their archiveType.
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	Signature Signature `json:"signature"`

	Native  bool `json:"native,omitempty"`
	Enabled bool `json:"enabled"`

	// Placeholders: {ARCHIVE}, {FILES}, {OUTDIR}.
	Pack   CommandDef `json:"pack,omitempty"`
	Unpack CommandDef `json:"unpack,omitempty"`
}

// Signature is a hex-encoded byte string expected at Offset.
type Signature struct {
	Hex    string `json:"hex"`
	Offset int    `json:"offset,omitempty"`
}

func (s Signature) bytes() []byte {
	b, err := hex.DecodeString(s.Hex)
	if err != nil {
		return nil
	}
	return b
}

// Match reports whether head, the first bytes of a file, carries s.
func (s Signature) Match(head []byte) bool {
	want := s.bytes()
	if len(want) == 0 || s.Offset < 0 || len(head) < s.Offset+len(want) {
		return false
	}
	return bytes.Equal(head[s.Offset:s.Offset+len(want)], want)
}

// CommandDef is an external program and its argument template.
type CommandDef struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// IsEmpty reports whether no command is set.
func (cd CommandDef) IsEmpty() bool {
	return cd.Command == ""
}

// Config is the archivers.json document.
type Config struct {
	Archivers []Archiver `json:"archivers"`
}

func external(id, name, magic string, offset int, pack, unpack []string) Archiver {
	return Archiver{
		ID:        id,
		Name:      name,
		Signature: Signature{Hex: magic, Offset: offset},
		Pack:      CommandDef{Command: pack[0], Args: pack[1:]},
		Unpack:    CommandDef{Command: unpack[0], Args: unpack[1:]},
	}
}

// DefaultConfig returns definitions for the formats seen in FTN mail
// bundles. Only the native ZIP is enabled out of the box.
func DefaultConfig() Config {
	return Config{Archivers: []Archiver{
		{ID: "zip", Name: "ZIP", Signature: Signature{Hex: "504B0304"}, Native: true, Enabled: true},
		external("arj", "ARJ", "60EA", 0,
			[]string{"arj", "a", "-e", "{ARCHIVE}", "{FILES}"},
			[]string{"arj", "e", "-y", "{ARCHIVE}", "{OUTDIR}/"}),
		external("lha", "LHA/LZH", "2D6C68", 2,
			[]string{"lha", "a", "{ARCHIVE}", "{FILES}"},
			[]string{"lha", "-efw={OUTDIR}", "{ARCHIVE}"}),
		external("rar", "RAR", "526172211A07", 0,
			[]string{"rar", "a", "-ep", "{ARCHIVE}", "{FILES}"},
			[]string{"unrar", "e", "-o+", "{ARCHIVE}", "{OUTDIR}/"}),
		external("7z", "7-Zip", "377ABCAF271C", 0,
			[]string{"7z", "a", "{ARCHIVE}", "{FILES}"},
			[]string{"7z", "e", "-y", "-o{OUTDIR}", "{ARCHIVE}"}),
		external("arc", "ARC", "1A", 0,
			[]string{"arc", "a", "{ARCHIVE}", "{FILES}"},
			[]string{"nomarch", "{ARCHIVE}"}),
	}}
}

// LoadConfig reads archivers.json from configPath. A missing file yields
// the defaults.
func LoadConfig(configPath string) (Config, error) {
	path := filepath.Join(configPath, "archivers.json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("INFO: %s not found, using built-in archivers", path)
		return DefaultConfig(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read archivers config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse archivers config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("archivers config %s: %w", path, err)
	}
	log.Printf("INFO: Loaded %d archiver(s) from %s (%d enabled)", len(cfg.Archivers), path, len(cfg.EnabledArchivers()))
	return cfg, nil
}

// Validate rejects duplicate IDs and signatures that do not decode.
// Enabled external formats with nothing to unpack with are disabled with a
// warning rather than failing the whole file.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Archivers))
	for i := range c.Archivers {
		a := &c.Archivers[i]
		id := strings.ToLower(a.ID)
		if id == "" {
			return fmt.Errorf("archiver %d has no id", i)
		}
		if seen[id] {
			return fmt.Errorf("duplicate archiver id %q", a.ID)
		}
		seen[id] = true

		if len(a.Signature.bytes()) == 0 {
			return fmt.Errorf("archiver %q: signature %q is not valid hex", a.ID, a.Signature.Hex)
		}
		if a.Native && id != "zip" {
			return fmt.Errorf("archiver %q: only zip is built in", a.ID)
		}
		if a.Enabled && !a.Native && a.Unpack.IsEmpty() {
			log.Printf("WARN: archiver %q has no unpack command, disabling", a.ID)
			a.Enabled = false
		}
	}
	return nil
}

// EnabledArchivers returns the enabled formats in config order.
func (c *Config) EnabledArchivers() []Archiver {
	var out []Archiver
	for _, a := range c.Archivers {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// FindByID looks an archiver up by ID, case-insensitively, whether or not
// it is enabled.
func (c *Config) FindByID(id string) (Archiver, bool) {
	for _, a := range c.Archivers {
		if strings.EqualFold(a.ID, id) {
			return a, true
		}
	}
	return Archiver{}, false
}

// FindBySignature returns the enabled archiver whose signature matches
// head. Longer signatures win, so ARC's single 0x1A byte never shadows a
// more specific format.
func (c *Config) FindBySignature(head []byte) (Archiver, bool) {
	candidates := c.EnabledArchivers()
	sort.SliceStable(candidates, func(i, j int) bool {
		return len(candidates[i].Signature.Hex) > len(candidates[j].Signature.Hex)
	})
	for _, a := range candidates {
		if a.Signature.Match(head) {
			return a, true
		}
	}
	return Archiver{}, false
}
