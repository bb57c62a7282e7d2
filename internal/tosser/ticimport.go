package tosser

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/file"
	"github.com/stlalpha/v3mail/internal/ftn"
)

// ticTarget is the resolved destination of a TIC.
type ticTarget struct {
	area       file.FileArea
	storageTag string
	hashtags   []string
}

// ImportTics runs only the TIC step of an import pass. Packets and bundles
// in the inbound are left for the next Import.
func (t *Tosser) ImportTics() (ImportStats, error) {
	stats := newImportStats()
	if !t.importing.CompareAndSwap(false, true) {
		return stats, ErrBusy
	}
	defer t.importing.Store(false)

	if _, _, err := t.tempDirs(); err != nil {
		return stats, err
	}
	for _, dir := range t.inboundDirs() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("ERROR: Import: read inbound %s: %v", dir, err)
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && ftn.IsTicName(e.Name()) {
				t.importTic(filepath.Join(dir, e.Name()), &stats)
			}
		}
	}
	if stats.TicSuccess+stats.TicFail > 0 {
		log.Printf("INFO: Import: tic=%d/%d", stats.TicSuccess, stats.TicSuccess+stats.TicFail)
	}
	return stats, nil
}

// importTic processes one TIC and its attachment. Both leave the inbound
// whatever the outcome; failures are retained as rejects first.
func (t *Tosser) importTic(path string, stats *ImportStats) {
	if t.files == nil {
		log.Printf("WARN: Import: no file base configured; leaving %s", filepath.Base(path))
		return
	}

	var attachment string
	tic, err := LoadTic(path)
	if err == nil {
		attachment, err = tic.LocateAttachment()
	}
	if err == nil {
		err = t.processTic(tic, attachment)
	}

	ok := err == nil
	if ok {
		stats.TicSuccess++
	} else {
		stats.TicFail++
		var prep *TransferPrepError
		if !errors.As(err, &prep) {
			err = &TransferPrepError{Path: path, Reason: "tic", Err: err}
		}
		log.Printf("ERROR: Import: %v", err)
	}

	t.retainFile(path, ok, retainTic)
	if attachment != "" {
		if ok {
			if err := os.Remove(attachment); err != nil && !os.IsNotExist(err) {
				log.Printf("WARN: Import: remove %s: %v", attachment, err)
			}
		} else {
			t.retainFile(attachment, false, retainTic)
		}
	}
}

// processTic validates tic and stores its attachment in the file base.
func (t *Tosser) processTic(tic *Tic, attachment string) error {
	reject := func(reason string, err error) error {
		return &TransferPrepError{Path: tic.Path, Reason: reason, Err: err}
	}

	if err := tic.Validate(); err != nil {
		return reject("invalid tic", err)
	}
	from, err := ftn.ParseAddress(tic.From)
	if err != nil {
		return reject("bad From address", err)
	}
	node, _ := t.cfg.NodeConfigFor(from)
	policy := t.cfg.TicPolicyFor(node)
	if policy.Password != "" && !strings.EqualFold(tic.Password, policy.Password) {
		return reject(fmt.Sprintf("bad password from %s", from), nil)
	}

	target, err := t.resolveTicArea(tic.Area)
	if err != nil {
		return reject("area", err)
	}

	_, importDir, err := t.tempDirs()
	if err != nil {
		return err
	}
	scan, err := file.ScanFile(attachment, t.arc, importDir)
	if err != nil {
		return reject("scan attachment", err)
	}
	if tic.HasSize && scan.Size != tic.Size {
		return reject(fmt.Sprintf("size %d does not match announced %d", scan.Size, tic.Size), nil)
	}
	if scan.CRC32 != tic.CRC {
		return reject(fmt.Sprintf("crc %s does not match announced %s", scan.CRC32, tic.CRC), nil)
	}

	var existing *file.FileRecord
	if tic.Replaces != "" && policy.ReplaceAllowed() {
		hits := t.files.FindFiles(target.area.ID, tic.Replaces, map[string]string{file.MetaTicOrigin: tic.Origin})
		switch len(hits) {
		case 0:
		case 1:
			existing = &hits[0]
		default:
			return reject("replaces", &ConfigurationError{
				Unit:   "file area " + target.area.Tag,
				Reason: fmt.Sprintf("%d files match Replaces %q from %s", len(hits), tic.Replaces, tic.Origin),
			})
		}
	}

	dir, err := t.files.StoragePath(target.area.Tag, target.storageTag)
	if err != nil {
		return reject("storage", err)
	}

	var oldPath string
	if existing != nil {
		if oldPath, err = t.files.FilePath(*existing); err != nil {
			return reject("replaced file", err)
		}
	}
	// Only the replaced record's own file is overwritten in place.
	dst := filepath.Join(dir, tic.FileName())
	if dst != oldPath {
		dst = uniquePath(dir, tic.FileName())
	}
	if err := copyFile(attachment, dst); err != nil {
		return reject("copy into storage", err)
	}

	rec := file.FileRecord{}
	if existing != nil {
		rec = *existing
	}
	rec.AreaID = target.area.ID
	rec.Filename = filepath.Base(dst)
	rec.StorageTag = target.storageTag
	rec.Description, rec.LongDescription = tic.Description(policy.DescPriority, scan.Diz)
	rec.Size = scan.Size
	rec.CRC32 = scan.CRC32
	rec.SHA256 = scan.SHA256
	rec.ArchiveType = scan.ArchiveType
	rec.UploadedAt = t.now()
	rec.UploadedBy = policy.UploadBy
	rec.Hashtags = mergeHashtags(target.area.Hashtags, target.hashtags, policy.Hashtags)
	rec.Meta = map[string]string{
		file.MetaTicOrigin:   tic.Origin,
		file.MetaTicArea:     tic.Area,
		file.MetaTicFromAddr: from.String(),
	}

	if err := t.files.PersistFile(&rec); err != nil {
		if dst != oldPath {
			os.Remove(dst)
		}
		return reject("persist file record", err)
	}
	if existing != nil && oldPath != dst {
		if err := os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN: Import: remove replaced file %s: %v", oldPath, err)
		}
	}

	if existing != nil {
		log.Printf("INFO: Import: TIC %s replaced %s in %s (from %s)", rec.Filename, existing.Filename, target.area.Tag, from)
	} else {
		log.Printf("INFO: Import: TIC %s stored in %s (from %s)", rec.Filename, target.area.Tag, from)
	}
	return nil
}

// resolveTicArea maps a TIC AREA onto a local file area: the ticAreas
// table first, then a file area with the same tag.
func (t *Tosser) resolveTicArea(tag string) (ticTarget, error) {
	var mapped *config.TicAreaConfig
	for name, ta := range t.cfg.FileBase.TicAreas {
		if strings.EqualFold(name, tag) {
			mapped = ta
			break
		}
	}

	if mapped != nil {
		area, ok := t.files.GetAreaByTag(mapped.AreaTag)
		if !ok {
			return ticTarget{}, &ConfigurationError{Unit: "tic area " + tag, Reason: fmt.Sprintf("file area %q does not exist", mapped.AreaTag)}
		}
		return ticTarget{area: area, storageTag: mapped.StorageTag, hashtags: mapped.Hashtags}, nil
	}
	area, ok := t.files.GetAreaByTag(tag)
	if !ok {
		return ticTarget{}, &ConfigurationError{Unit: "tic area " + tag, Reason: "no matching file area"}
	}
	return ticTarget{area: area}, nil
}

// mergeHashtags joins tag lists, dropping case-insensitive repeats.
func mergeHashtags(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, tag := range list {
			key := strings.ToLower(strings.TrimSpace(tag))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, strings.TrimSpace(tag))
		}
	}
	return out
}
