package ftn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// bundleSuffixes is the collision-avoidance probe order for bundle names.
const bundleSuffixes = "0123456789abcdefghijklmnopqrstuvwxyz"

// weekdayExt maps time.Weekday to the two-letter bundle prefix.
var weekdayExt = [...]string{"su", "mo", "tu", "we", "th", "fr", "sa"}

// ErrNoBundleName is returned when every suffix for today is taken.
var ErrNoBundleName = errors.New("ftn: no free bundle filename")

// IsBundleName reports whether a filename has an FTN bundle extension:
// a two-letter weekday followed by 0-9 or a-z (.mo0, .TU1, .saz).
// Content is not inspected; callers confirm with archive detection.
func IsBundleName(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) != 4 {
		return false
	}
	day := ext[1:3]
	found := false
	for _, d := range weekdayExt {
		if d == day {
			found = true
			break
		}
	}
	return found && strings.IndexByte(bundleSuffixes, ext[3]) >= 0
}

// BundleBaseName returns the 8-character bundle base name: the hex
// differences of dest and source net and node, or "0000p" plus the point
// in hex for point destinations.
func BundleBaseName(src, dst Address) string {
	if dst.Point != 0 {
		return fmt.Sprintf("0000p%03x", dst.Point&0xFFF)
	}
	return fmt.Sprintf("%04x%04x", absDiff(dst.Net, src.Net), absDiff(dst.Node, src.Node))
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// BundleFileName returns the first free bundle path in dir for the pair,
// probing suffixes 0-9 then a-z for the weekday of now.
func BundleFileName(dir string, src, dst Address, now time.Time, fileCase string) (string, error) {
	base := BundleBaseName(src, dst) + "." + weekdayExt[now.Weekday()]
	for i := 0; i < len(bundleSuffixes); i++ {
		name := applyCase(base+bundleSuffixes[i:i+1], fileCase)
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w for %s in %s", ErrNoBundleName, dst, dir)
}

// IsPacketName reports whether name has a .pkt extension in any case.
func IsPacketName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pkt")
}

// IsTicName reports whether name has a .tic extension in any case.
func IsTicName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".tic")
}
