package tosser

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/stlalpha/v3mail/internal/config"
)

// hwmFile is the on-disk format for export watermarks.
// Structure: { "networks": { "fsxnet": { "fsx_gen": 1234 } } }
type hwmFile struct {
	Networks map[string]map[string]int64 `json:"networks"`
}

// HighWaterMark holds the last exported message id per network and local
// area so a scan resumes where the previous one left off.
type HighWaterMark struct {
	mu       sync.Mutex
	path     string
	networks map[string]map[string]int64
	dirty    bool
}

// LoadHighWaterMark loads the watermark file at path, starting empty if it
// does not exist.
func LoadHighWaterMark(path string) (*HighWaterMark, error) {
	hwm := &HighWaterMark{
		path:     path,
		networks: make(map[string]map[string]int64),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return hwm, nil
		}
		return nil, fmt.Errorf("load hwm %s: %w", path, err)
	}
	if len(data) == 0 {
		return hwm, nil
	}

	var f hwmFile
	if err := json.Unmarshal(data, &f); err != nil {
		log.Printf("WARN: Corrupt watermark file %s, starting fresh: %v", path, err)
		return hwm, nil
	}
	if f.Networks != nil {
		hwm.networks = f.Networks
	}
	return hwm, nil
}

// Get returns the last exported message id for network/area, or 0.
func (h *HighWaterMark) Get(network, areaTag string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.networks[network][areaTag]
}

// Set records id for network/area. A value lower than the stored one is
// ignored.
func (h *HighWaterMark) Set(network, areaTag string, id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.networks[network] == nil {
		h.networks[network] = make(map[string]int64)
	}
	if id <= h.networks[network][areaTag] {
		return
	}
	h.networks[network][areaTag] = id
	h.dirty = true
}

// Save persists the watermarks atomically when anything changed.
func (h *HighWaterMark) Save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}

	data, err := json.MarshalIndent(hwmFile{Networks: h.networks}, "", "  ")
	if err != nil {
		return err
	}
	if err := atomicWriteFile(h.path, data, 0644); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// HWMPath returns the watermark file for cfg: export_hwm.json next to the
// outbound directory.
func HWMPath(cfg *config.FTNConfig) string {
	return filepath.Join(filepath.Dir(cfg.Paths.Outbound), "export_hwm.json")
}

// atomicWriteFile writes data to a temp file in the target directory and
// renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
