// Package file manages file areas and their JSON record metadata, and scans
// physical files for the TIC importer.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stlalpha/v3mail/internal/logging"
)

var (
	// ErrAreaNotFound is returned when a file area doesn't exist.
	ErrAreaNotFound = errors.New("file area not found")
	// ErrRecordNotFound is returned when a file record doesn't exist.
	ErrRecordNotFound = errors.New("file record not found")
	// ErrInvalidStorageTag is returned for a storage tag the area doesn't define.
	ErrInvalidStorageTag = errors.New("invalid storage tag")
)

// FileManager manages file areas and their associated file records.
type FileManager struct {
	basePath    string // root directory for all file areas (e.g., "data/files")
	configPath  string // path to file_areas.json
	mu          sync.RWMutex
	fileAreas   map[int]*FileArea
	fileTags    map[string]int // upper-case tag -> area id
	fileRecords map[int][]FileRecord
}

// NewFileManager loads file_areas.json from configDir and each area's
// metadata.json under basePath.
func NewFileManager(basePath, configDir string) (*FileManager, error) {
	fm := &FileManager{
		basePath:    basePath,
		configPath:  filepath.Join(configDir, "file_areas.json"),
		fileAreas:   make(map[int]*FileArea),
		fileTags:    make(map[string]int),
		fileRecords: make(map[int][]FileRecord),
	}

	log.Printf("INFO: Loading file areas from: %s", fm.configPath)
	if err := fm.loadAreas(); err != nil {
		return nil, fmt.Errorf("failed to load file areas: %w", err)
	}
	if err := fm.loadAllFileRecords(); err != nil {
		log.Printf("ERROR: Failed to load one or more file record sets: %v", err)
	}
	return fm, nil
}

func (fm *FileManager) loadAreas() error {
	data, err := os.ReadFile(fm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("WARN: File areas config %s not found. No file areas loaded.", fm.configPath)
			return nil
		}
		return fmt.Errorf("reading file areas config %s: %w", fm.configPath, err)
	}

	var areas []FileArea
	if err := json.Unmarshal(data, &areas); err != nil {
		return fmt.Errorf("parsing file areas config %s: %w", fm.configPath, err)
	}

	for i := range areas {
		area := &areas[i]
		if area.ID <= 0 || area.Tag == "" {
			log.Printf("WARN: Skipping file area with invalid ID or empty tag: %+v", area)
			continue
		}
		if !isSafeRelative(area.Path) {
			log.Printf("WARN: Skipping file area %s with invalid path %q", area.Tag, area.Path)
			continue
		}
		area.Path = filepath.Clean(area.Path)
		for tag, sub := range area.StorageTags {
			if !isSafeRelative(sub) {
				log.Printf("WARN: File area %s: dropping storage tag %q with invalid path %q", area.Tag, tag, sub)
				delete(area.StorageTags, tag)
			}
		}

		ucTag := strings.ToUpper(area.Tag)
		if _, exists := fm.fileTags[ucTag]; exists {
			log.Printf("WARN: Duplicate file area Tag '%s' found. Skipping ID %d.", area.Tag, area.ID)
			continue
		}
		if _, exists := fm.fileAreas[area.ID]; exists {
			log.Printf("WARN: Duplicate file area ID '%d' found. Skipping Tag %s.", area.ID, area.Tag)
			continue
		}
		fm.fileAreas[area.ID] = area
		fm.fileTags[ucTag] = area.ID
		logging.Debug("Loaded File Area: ID=%d, Tag=%s, Path=%s", area.ID, area.Tag, area.Path)
	}

	log.Printf("INFO: Successfully loaded %d file areas.", len(fm.fileAreas))
	return nil
}

func isSafeRelative(p string) bool {
	if p == "" {
		return true
	}
	clean := filepath.Clean(p)
	return !filepath.IsAbs(clean) && clean != ".." && !strings.HasPrefix(clean, ".."+string(filepath.Separator))
}

func (fm *FileManager) metadataPath(area *FileArea) string {
	return filepath.Join(fm.basePath, area.Path, "metadata.json")
}

func (fm *FileManager) loadAllFileRecords() error {
	var errs []error
	total := 0
	for areaID, area := range fm.fileAreas {
		data, err := os.ReadFile(fm.metadataPath(area))
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("area %s: %w", area.Tag, err))
			}
			fm.fileRecords[areaID] = nil
			continue
		}
		var records []FileRecord
		if err := json.Unmarshal(data, &records); err != nil {
			errs = append(errs, fmt.Errorf("area %s: parse metadata: %w", area.Tag, err))
			continue
		}
		fm.fileRecords[areaID] = records
		total += len(records)
	}
	log.Printf("INFO: Loaded metadata for %d areas, total %d file records.", len(fm.fileAreas), total)
	return errors.Join(errs...)
}

// saveLocked writes one area's metadata atomically. Callers hold fm.mu.
func (fm *FileManager) saveLocked(areaID int) error {
	area, ok := fm.fileAreas[areaID]
	if !ok {
		return fmt.Errorf("area %d: %w", areaID, ErrAreaNotFound)
	}
	records := fm.fileRecords[areaID]
	if records == nil {
		records = []FileRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal file records for area %d: %w", areaID, err)
	}

	target := fm.metadataPath(area)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename metadata file %s: %w", target, err)
	}
	logging.Debug("Saved %d file records for area %s to %s", len(records), area.Tag, target)
	return nil
}

// ListAreas returns file areas sorted by ID.
func (fm *FileManager) ListAreas() []FileArea {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	areas := make([]FileArea, 0, len(fm.fileAreas))
	for _, area := range fm.fileAreas {
		areas = append(areas, *area)
	}
	sort.Slice(areas, func(i, j int) bool { return areas[i].ID < areas[j].ID })
	return areas
}

// GetAreaByTag returns a FileArea by its tag (case-insensitive).
func (fm *FileManager) GetAreaByTag(tag string) (FileArea, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	id, ok := fm.fileTags[strings.ToUpper(tag)]
	if !ok {
		return FileArea{}, false
	}
	return *fm.fileAreas[id], true
}

// GetAreaByID returns a FileArea by its ID.
func (fm *FileManager) GetAreaByID(id int) (FileArea, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	area, ok := fm.fileAreas[id]
	if !ok {
		return FileArea{}, false
	}
	return *area, true
}

// StoragePath returns the directory files with storageTag are kept in for
// the area, creating it if needed.
func (fm *FileManager) StoragePath(areaTag, storageTag string) (string, error) {
	area, ok := fm.GetAreaByTag(areaTag)
	if !ok {
		return "", fmt.Errorf("%q: %w", areaTag, ErrAreaNotFound)
	}
	dir := filepath.Join(fm.basePath, area.Path)
	if storageTag != "" {
		sub, ok := area.StorageTags[storageTag]
		if !ok {
			return "", fmt.Errorf("area %s storage tag %q: %w", area.Tag, storageTag, ErrInvalidStorageTag)
		}
		dir = filepath.Join(dir, sub)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create storage dir %s: %w", dir, err)
	}
	return dir, nil
}

// FilePath returns the physical path of a record.
func (fm *FileManager) FilePath(rec FileRecord) (string, error) {
	area, ok := fm.GetAreaByID(rec.AreaID)
	if !ok {
		return "", fmt.Errorf("area %d: %w", rec.AreaID, ErrAreaNotFound)
	}
	name := filepath.Base(rec.Filename)
	if name == "." || name == string(filepath.Separator) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid filename in record: %s", rec.Filename)
	}
	dir, err := fm.StoragePath(area.Tag, rec.StorageTag)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// GetFilesForArea returns a copy of an area's records.
func (fm *FileManager) GetFilesForArea(areaID int) []FileRecord {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	records := fm.fileRecords[areaID]
	out := make([]FileRecord, len(records))
	copy(out, records)
	return out
}

// FindFiles returns records in the area whose filename matches the
// shell-style pattern (case-insensitive) and whose meta carries every
// key/value in meta. An empty pattern matches any name.
func (fm *FileManager) FindFiles(areaID int, pattern string, meta map[string]string) []FileRecord {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	pattern = strings.ToLower(pattern)
	var out []FileRecord
	for _, rec := range fm.fileRecords[areaID] {
		if pattern != "" {
			ok, err := path.Match(pattern, strings.ToLower(rec.Filename))
			if err != nil || !ok {
				continue
			}
		}
		if !metaMatches(rec.Meta, meta) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func metaMatches(have, want map[string]string) bool {
	for k, v := range want {
		if !strings.EqualFold(have[k], v) {
			return false
		}
	}
	return true
}

// LoadFile returns the record with the given ID.
func (fm *FileManager) LoadFile(id uuid.UUID) (FileRecord, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	for _, records := range fm.fileRecords {
		for _, rec := range records {
			if rec.ID == id {
				return rec, nil
			}
		}
	}
	return FileRecord{}, fmt.Errorf("%s: %w", id, ErrRecordNotFound)
}

// PersistFile inserts rec, or replaces the stored record with the same ID,
// and saves the area's metadata. A nil ID is assigned.
func (fm *FileManager) PersistFile(rec *FileRecord) error {
	if rec.Filename == "" {
		return errors.New("file record must have a Filename")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	if _, ok := fm.fileAreas[rec.AreaID]; !ok {
		return fmt.Errorf("area %d: %w", rec.AreaID, ErrAreaNotFound)
	}

	// A record may move between areas on update.
	for areaID, records := range fm.fileRecords {
		for i := range records {
			if records[i].ID != rec.ID {
				continue
			}
			if areaID == rec.AreaID {
				records[i] = *rec
				log.Printf("INFO: Updated file record '%s' (ID: %s) in area %d.", rec.Filename, rec.ID, rec.AreaID)
				return fm.saveLocked(areaID)
			}
			fm.fileRecords[areaID] = append(records[:i], records[i+1:]...)
			if err := fm.saveLocked(areaID); err != nil {
				return err
			}
			break
		}
	}

	fm.fileRecords[rec.AreaID] = append(fm.fileRecords[rec.AreaID], *rec)
	log.Printf("INFO: Added file record '%s' (ID: %s) to area %d.", rec.Filename, rec.ID, rec.AreaID)
	return fm.saveLocked(rec.AreaID)
}

// IncrementDownloadCount increments the download count for a file and saves.
func (fm *FileManager) IncrementDownloadCount(id uuid.UUID) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for areaID, records := range fm.fileRecords {
		for i := range records {
			if records[i].ID == id {
				records[i].DownloadCount++
				return fm.saveLocked(areaID)
			}
		}
	}
	return fmt.Errorf("%s: %w", id, ErrRecordNotFound)
}
