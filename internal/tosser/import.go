package tosser

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/logging"
	"github.com/stlalpha/v3mail/internal/message"
)

// Retain sub-directories.
const (
	retainPacket = "pkt"
	retainBundle = "bundle"
	retainTic    = "tic"
)

// ImportStats holds the results of an import run.
type ImportStats struct {
	AreaSuccess map[string]int // local area tag -> messages stored
	AreaFail    map[string]int // area or echo tag -> messages not stored
	OtherFail   int            // unroutable messages
	Duplicates  int
	Packets     int
	Bundles     int
	Rejected    int // packets and bundles rejected whole
	TicSuccess  int
	TicFail     int
}

func newImportStats() ImportStats {
	return ImportStats{AreaSuccess: make(map[string]int), AreaFail: make(map[string]int)}
}

// Imported returns the number of messages stored.
func (s ImportStats) Imported() int {
	n := 0
	for _, v := range s.AreaSuccess {
		n += v
	}
	return n
}

// Failed returns the number of messages that could not be stored.
func (s ImportStats) Failed() int {
	n := s.OtherFail
	for _, v := range s.AreaFail {
		n += v
	}
	return n
}

// errUnroutable marks a message with no area and no private bit, or
// NetMail for a non-local address.
var errUnroutable = errors.New("unroutable message")

// Import runs one import pass over the inbound and secure inbound
// directories: packets first, then bundles, then TIC files.
func (t *Tosser) Import() (ImportStats, error) {
	stats := newImportStats()
	if !t.importing.CompareAndSwap(false, true) {
		return stats, ErrBusy
	}
	defer t.importing.Store(false)

	if _, _, err := t.tempDirs(); err != nil {
		return stats, err
	}

	for _, dir := range t.inboundDirs() {
		t.importDir(dir, &stats)
	}

	if stats.Packets > 0 || stats.Rejected > 0 || stats.TicSuccess > 0 || stats.TicFail > 0 {
		log.Printf("INFO: Import: packets=%d bundles=%d imported=%d failed=%d dupes=%d rejected=%d tic=%d/%d",
			stats.Packets, stats.Bundles, stats.Imported(), stats.Failed(), stats.Duplicates,
			stats.Rejected, stats.TicSuccess, stats.TicSuccess+stats.TicFail)
		for tag, n := range stats.AreaFail {
			log.Printf("WARN: Import: %d message(s) for %s not imported", n, tag)
		}
	}
	return stats, nil
}

// inboundDirs returns the inbound directories to scan, skipping empty and
// repeated paths.
func (t *Tosser) inboundDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, d := range []string{t.cfg.Paths.Inbound, t.cfg.Paths.SecureInbound} {
		if d != "" && !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// importDir processes one inbound directory.
func (t *Tosser) importDir(dir string, stats *ImportStats) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("ERROR: Import: read inbound %s: %v", dir, err)
		}
		return
	}

	var pkts, others, tics []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case ftn.IsPacketName(name):
			pkts = append(pkts, filepath.Join(dir, name))
		case ftn.IsTicName(name):
			tics = append(tics, filepath.Join(dir, name))
		default:
			others = append(others, filepath.Join(dir, name))
		}
	}

	for _, p := range pkts {
		ok := t.importPacketFile(p, stats)
		t.retainFile(p, ok, retainPacket)
	}

	attached := ticAttachments(tics)
	for _, p := range others {
		if attached[strings.ToLower(filepath.Base(p))] {
			continue
		}
		t.importBundleCandidate(p, stats)
	}

	for _, p := range tics {
		t.importTic(p, stats)
	}
}

// importBundleCandidate imports path when it is an archive.
func (t *Tosser) importBundleCandidate(path string, stats *ImportStats) {
	name := filepath.Base(path)
	if _, err := t.arc.DetectType(path); err != nil {
		if ftn.IsBundleName(name) {
			log.Printf("WARN: Import: %s looks like a bundle but is not a known archive: %v", name, err)
		} else {
			logging.Debug("Import: ignoring %s", name)
		}
		return
	}
	ok := t.importBundle(path, stats)
	t.retainFile(path, ok, retainBundle)
}

// importBundle extracts a bundle into the import staging area and imports
// every packet in it. It reports false when the bundle or any of its
// packets was rejected.
func (t *Tosser) importBundle(path string, stats *ImportStats) bool {
	_, importDir, err := t.tempDirs()
	if err != nil {
		log.Printf("ERROR: Import: %v", err)
		return false
	}
	names, err := t.arc.List(path)
	if err != nil {
		stats.Rejected++
		log.Printf("ERROR: Import: %v", &TransferPrepError{Path: path, Reason: "list bundle", Err: err})
		return false
	}
	if !slices.ContainsFunc(names, ftn.IsPacketName) {
		stats.Rejected++
		log.Printf("ERROR: Import: %v", &TransferPrepError{Path: path, Reason: "bundle holds no packets"})
		return false
	}

	work, err := os.MkdirTemp(importDir, "bundle-")
	if err != nil {
		log.Printf("ERROR: Import: staging for %s: %v", filepath.Base(path), err)
		return false
	}
	defer os.RemoveAll(work)

	files, err := t.arc.Extract(path, work)
	if err != nil {
		stats.Rejected++
		log.Printf("ERROR: Import: %v", &TransferPrepError{Path: path, Reason: "extract bundle", Err: err})
		return false
	}
	stats.Bundles++

	var pkts []string
	for _, f := range files {
		if ftn.IsPacketName(f) {
			pkts = append(pkts, f)
		} else {
			logging.Debug("Import: skipping %s in bundle %s", filepath.Base(f), filepath.Base(path))
		}
	}
	log.Printf("INFO: Import: unpacked bundle %s: %d packet(s)", filepath.Base(path), len(pkts))

	ok := true
	for _, p := range pkts {
		if !t.importPacketFile(p, stats) {
			ok = false
		}
	}
	return ok
}

// importPacketFile validates the whole packet, then imports its messages.
// A packet that fails validation is rejected without storing anything.
func (t *Tosser) importPacketFile(path string, stats *ImportStats) bool {
	if err := t.validatePacket(path); err != nil {
		stats.Rejected++
		log.Printf("ERROR: Import: rejecting packet %s: %v", filepath.Base(path), err)
		return false
	}
	stats.Packets++

	var hdr *ftn.PacketHeader
	err := ftn.ReadPacketFile(path,
		func(h *ftn.PacketHeader) error { hdr = h; return nil },
		func(pm *ftn.PackedMessage) error {
			t.importPacked(pm, hdr, stats)
			return nil
		})
	if err != nil {
		// The file validated moments ago; only I/O can fail here.
		log.Printf("ERROR: Import: reading packet %s: %v", filepath.Base(path), err)
		return false
	}
	return true
}

// validatePacket checks the header against the configuration and streams
// every message to prove the file is well formed.
func (t *Tosser) validatePacket(path string) error {
	return ftn.ReadPacketFile(path,
		func(h *ftn.PacketHeader) error {
			if _, ok := t.localNetworkFor(h.Dest); !ok {
				return &ftn.PacketValidationError{Path: path, Reason: fmt.Sprintf("destination %s is not a local address", h.Dest)}
			}
			node, _ := t.cfg.NodeConfigFor(h.Orig)
			if node.PacketPassword != "" && !strings.EqualFold(strings.TrimSpace(h.Password), node.PacketPassword) {
				return &ftn.PacketValidationError{Path: path, Reason: fmt.Sprintf("bad packet password from %s", h.Orig)}
			}
			return nil
		},
		func(*ftn.PackedMessage) error { return nil })
}

// localNetworkFor finds the network whose local address is addr. Zone 0
// in stone-age packet headers matches any zone.
func (t *Tosser) localNetworkFor(addr ftn.Address) (*config.NetworkConfig, bool) {
	if n, ok := t.cfg.NetworkForLocalAddress(addr); ok {
		return n, true
	}
	if addr.Zone != 0 {
		return nil, false
	}
	for _, name := range t.cfg.NetworkNames() {
		n := t.cfg.Networks[name]
		a := addr
		a.Zone = n.Address.Zone
		if n.Address.Equal(a) {
			return n, true
		}
	}
	return nil, false
}

// importPacked stores one packet message and updates stats.
func (t *Tosser) importPacked(pm *ftn.PackedMessage, hdr *ftn.PacketHeader, stats *ImportStats) {
	fm, err := ftn.Unpack(pm, hdr)
	if err != nil {
		stats.OtherFail++
		log.Printf("ERROR: Import: decode message from %s: %v", pm.From, err)
		return
	}

	var (
		tag string
		dup *DuplicateMessageError
	)
	switch {
	case fm.Area != "":
		tag, err = t.importEchoMail(fm)
	case fm.IsNetMail():
		tag, err = t.importNetMail(fm)
	default:
		err = errUnroutable
	}

	switch {
	case err == nil:
		stats.AreaSuccess[tag]++
	case errors.As(err, &dup):
		stats.Duplicates++
		log.Printf("INFO: Import: %v", err)
	case errors.Is(err, errUnroutable):
		stats.OtherFail++
		log.Printf("WARN: Import: message from %s (%s) to %s: %v", fm.From, fm.Orig, fm.To, err)
	default:
		if tag == "" {
			tag = fm.Area
		}
		if tag == "" {
			stats.OtherFail++
		} else {
			stats.AreaFail[tag]++
		}
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Printf("WARN: Import: %v", err)
		} else {
			log.Printf("ERROR: Import: message from %s (%s): %v", fm.From, fm.Orig, err)
		}
	}
}

// newImported builds the stored form of an inbound message.
func newImported(areaTag string, fm *ftn.Message) *message.Message {
	msg := message.New(areaTag)
	msg.To = fm.To
	msg.From = fm.From
	msg.Subject = fm.Subject
	msg.Body = fm.Text
	msg.Timestamp = fm.DateTime
	kludgesToMeta(msg.Meta, fm.Kludges)
	propertiesToMeta(msg.Meta, fm.Properties)
	msg.Meta.Set(message.CategorySystem, message.MetaStateFlags0, formatStateFlags(message.StateImported))
	msg.Meta.Set(message.CategorySystem, message.MetaRemoteFromUser, fm.Orig.String())
	return msg
}

// checkDuplicate looks the MSGID up among stored messages.
func (t *Tosser) checkDuplicate(fm *ftn.Message) error {
	if fm.Kludges.MsgID == "" {
		return nil
	}
	ids, err := t.store.GetMessageIDsByMetaValue(message.CategoryFtnKludge, KludgeMsgID, fm.Kludges.MsgID)
	if err != nil {
		return fmt.Errorf("dupe check: %w", err)
	}
	if len(ids) > 0 {
		return &DuplicateMessageError{MsgID: fm.Kludges.MsgID, ExistingID: ids[0]}
	}
	return nil
}

// linkReply points msg at the stored message whose MSGID the REPLY names.
func (t *Tosser) linkReply(msg *message.Message, fm *ftn.Message) {
	if fm.Kludges.Reply == "" {
		return
	}
	ids, err := t.store.GetMessageIDsByMetaValue(message.CategoryFtnKludge, KludgeMsgID, fm.Kludges.Reply)
	if err != nil {
		log.Printf("WARN: Import: reply lookup for %q: %v", fm.Kludges.Reply, err)
		return
	}
	if len(ids) > 0 {
		msg.ReplyToID = ids[0]
	}
}

// persistImported stores msg, turning a UUID collision into a
// DuplicateMessageError.
func (t *Tosser) persistImported(msg *message.Message, fm *ftn.Message) error {
	if err := t.store.Persist(msg); err != nil {
		if errors.Is(err, message.ErrDuplicate) {
			return &DuplicateMessageError{MsgID: fm.Kludges.MsgID, UUID: msg.UUID, Err: err}
		}
		return err
	}
	return nil
}

// importEchoMail stores an EchoMail message in the area mapped to its tag.
func (t *Tosser) importEchoMail(fm *ftn.Message) (string, error) {
	area, ok := t.cfg.AreaByFTNTag(fm.Area)
	if !ok {
		return fm.Area, &ConfigurationError{Unit: "echo " + fm.Area, Reason: "no local area for tag"}
	}
	if !area.AllowDupes {
		if err := t.checkDuplicate(fm); err != nil {
			return area.LocalTag, err
		}
	}

	msg := newImported(area.LocalTag, fm)
	if area.AllowDupes {
		msg.UUID = uuid.New()
	}
	t.linkReply(msg, fm)
	if err := t.persistImported(msg, fm); err != nil {
		return area.LocalTag, err
	}
	logging.Debug("Import: stored %q from %s in %s as %d", fm.Subject, fm.Orig, area.LocalTag, msg.ID)
	return area.LocalTag, nil
}

// importNetMail stores a NetMail message addressed to this system in the
// private mailbox of the resolved local user.
func (t *Tosser) importNetMail(fm *ftn.Message) (string, error) {
	tag := t.cfg.NetMail.AreaTag
	if !fm.Dest.IsLocal(t.cfg.LocalAddresses()) {
		return tag, fmt.Errorf("NetMail for %s: %w", fm.Dest, errUnroutable)
	}
	if tag == "" {
		return "", &ConfigurationError{Unit: "NetMail", Reason: "no NetMail area configured"}
	}
	if err := t.checkDuplicate(fm); err != nil {
		return tag, err
	}

	user, err := t.resolveLocalUser(fm.To)
	if err != nil {
		return tag, fmt.Errorf("NetMail to %q: %w", fm.To, errUnroutable)
	}

	msg := newImported(tag, fm)
	msg.Meta.Set(message.CategorySystem, message.MetaLocalToUserID, fmt.Sprint(user.ID))
	t.linkReply(msg, fm)
	if err := t.persistImported(msg, fm); err != nil {
		return tag, err
	}
	log.Printf("INFO: Import: NetMail from %s@%s to %s (user %d)", fm.From, fm.Orig, fm.To, user.ID)
	return tag, nil
}

// resolveLocalUser maps a NetMail to-name onto a local user: the alias
// table first, then usernames and real names. A name that is itself an
// FTN address belongs to the sysop.
func (t *Tosser) resolveLocalUser(name string) (*message.User, error) {
	name = strings.TrimSpace(name)
	for alias, local := range t.cfg.NetMail.Aliases {
		if strings.EqualFold(alias, name) {
			name = local
			break
		}
	}
	if _, err := ftn.ParseAddress(name); err == nil && strings.ContainsAny(name, ":/") {
		if t.cfg.NetMail.SysopUserID == 0 {
			return nil, message.ErrNotFound
		}
		return t.store.UserByID(t.cfg.NetMail.SysopUserID)
	}
	return t.store.FindUserByName(name)
}

// retainFile archives path under <retain>/<good|reject>/<kind>/ when
// retention is configured, then deletes it.
func (t *Tosser) retainFile(path string, good bool, kind string) {
	if t.cfg.Paths.Retain != "" {
		sub := "good"
		if !good {
			sub = "reject"
		}
		dir := filepath.Join(t.cfg.Paths.Retain, sub, kind)
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("WARN: Import: create retain dir %s: %v", dir, err)
		} else {
			dst := uniquePath(dir, filepath.Base(path))
			if err := moveFile(path, dst); err != nil {
				log.Printf("WARN: Import: retain %s: %v", filepath.Base(path), err)
			} else {
				logging.Debug("Import: retained %s as %s", filepath.Base(path), dst)
				return
			}
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: Import: remove %s: %v", path, err)
	}
}
