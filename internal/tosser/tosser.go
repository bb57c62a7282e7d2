// Package tosser implements the FTN scanner/tosser: it exports local
// EchoMail and NetMail into BSO outbound packets and bundles, and imports
// inbound packets, bundles and TIC file announcements.
package tosser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stlalpha/v3mail/internal/archiver"
	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/file"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/message"
)

// Version is reported in PID/TID kludges and tear lines.
const Version = "1.0"

// ProductID returns the PID/TID kludge value.
func ProductID() string {
	return fmt.Sprintf("v3mail %s/%s", Version, runtime.GOOS)
}

// Engine is a message exchange engine driven by the scheduler.
type Engine interface {
	Startup(ctx context.Context) error
	Shutdown() error
	// Record is called whenever a message is stored locally.
	Record(msg *message.Message)
}

// NopEngine is an Engine for networks with no exchange configured.
type NopEngine struct{}

func (NopEngine) Startup(context.Context) error { return nil }
func (NopEngine) Shutdown() error               { return nil }
func (NopEngine) Record(*message.Message)       {}

var _ Engine = (*Tosser)(nil)
var _ Engine = NopEngine{}

// Options wires a Tosser to its stores.
type Options struct {
	Config     *config.FTNConfig
	Store      *message.Store
	Files      *file.FileManager // nil disables TIC import
	Archiver   *archiver.Utility
	Watermarks *HighWaterMark
	BoardName  string // origin line text when a network sets none
}

// Tosser is the FTN exchange engine. Export and Import may each run once
// at a time; an overlapping call returns ErrBusy.
type Tosser struct {
	cfg   *config.FTNConfig
	store *message.Store
	files *file.FileManager
	arc   *archiver.Utility
	hwm   *HighWaterMark
	board string

	exporting atomic.Bool
	importing atomic.Bool

	mu         sync.Mutex
	exportTemp string
	importTemp string
	onRecord   func()

	now func() time.Time
}

// New validates opts and returns a Tosser. Call Startup before running.
func New(opts Options) (*Tosser, error) {
	if opts.Config == nil {
		return nil, errors.New("tosser: config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("tosser: message store is required")
	}
	if len(opts.Config.Networks) == 0 {
		return nil, &ConfigurationError{Unit: "networks", Reason: "no FTN networks configured"}
	}
	arc := opts.Archiver
	if arc == nil {
		arc = archiver.NewUtility(archiver.DefaultConfig())
	}
	hwm := opts.Watermarks
	if hwm == nil {
		var err error
		if hwm, err = LoadHighWaterMark(HWMPath(opts.Config)); err != nil {
			return nil, err
		}
	}
	board := opts.BoardName
	if board == "" {
		board = "ViSiON/3 BBS"
	}
	return &Tosser{
		cfg:   opts.Config,
		store: opts.Store,
		files: opts.Files,
		arc:   arc,
		hwm:   hwm,
		board: board,
		now:   time.Now,
	}, nil
}

// Startup creates the per-session export and import staging directories.
func (t *Tosser) Startup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exportTemp != "" {
		return nil
	}

	if err := os.MkdirAll(t.cfg.Paths.Temp, 0755); err != nil {
		return fmt.Errorf("create temp root %s: %w", t.cfg.Paths.Temp, err)
	}
	exp, err := os.MkdirTemp(t.cfg.Paths.Temp, "export-")
	if err != nil {
		return fmt.Errorf("create export temp dir: %w", err)
	}
	imp, err := os.MkdirTemp(t.cfg.Paths.Temp, "import-")
	if err != nil {
		os.RemoveAll(exp)
		return fmt.Errorf("create import temp dir: %w", err)
	}
	t.exportTemp, t.importTemp = exp, imp

	log.Printf("INFO: FTN engine started: %d network(s), %d area(s); staging in %s",
		len(t.cfg.Networks), len(t.cfg.Areas), t.cfg.Paths.Temp)
	return nil
}

// Shutdown removes the staging directories and saves watermarks.
func (t *Tosser) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, dir := range []string{t.exportTemp, t.importTemp} {
		if dir == "" {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	t.exportTemp, t.importTemp = "", ""
	if err := t.hwm.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save watermarks: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Tosser) tempDirs() (exportDir, importDir string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exportTemp == "" {
		return "", "", errors.New("tosser: not started")
	}
	return t.exportTemp, t.importTemp, nil
}

// OnRecord sets the hook Record calls for messages that need exporting.
// The scheduler passes its immediate-trigger Notify here.
func (t *Tosser) OnRecord(fn func()) {
	t.mu.Lock()
	t.onRecord = fn
	t.mu.Unlock()
}

// Record fires the record hook when msg belongs to an exported area or is
// outbound NetMail. It is the entry point for programs that embed the
// engine and persist local posts into the same store, such as a BBS
// message editor. The v3mail binary never writes local messages itself.
func (t *Tosser) Record(msg *message.Message) {
	if msg == nil || !t.isExportable(msg) {
		return
	}
	t.mu.Lock()
	fn := t.onRecord
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *Tosser) isExportable(msg *message.Message) bool {
	if stateFlags(msg.Meta)&message.StateImported != 0 {
		return false
	}
	if msg.AreaTag == t.cfg.NetMail.AreaTag {
		return msg.Meta.Get(message.CategorySystem, message.MetaRemoteToUser) != ""
	}
	_, ok := t.cfg.Areas[msg.AreaTag]
	return ok
}

// defaultZone is the zone whose outbound is the bare outbound directory.
func (t *Tosser) defaultZone() int {
	if n, ok := t.cfg.Network(t.cfg.DefaultNetwork); ok {
		return n.DefaultZone
	}
	return 0
}

// outboundDir returns the BSO directory for addr on network.
func (t *Tosser) outboundDir(network string, addr ftn.Address) string {
	return ftn.OutboundDir(t.cfg.Paths.Outbound, network, t.cfg.DefaultNetwork, t.defaultZone(), addr)
}

// encodingFor resolves the charset for a message to a node: the node's
// explicit encoding, then the message's CHRS, then the configured default,
// then UTF-8.
func (t *Tosser) encodingFor(node config.NodeConfig, matched bool, chrs string) string {
	if matched {
		if raw := t.cfg.Nodes[node.Pattern]; raw != nil && raw.Encoding != "" && ftn.IsSupportedEncoding(raw.Encoding) {
			return raw.Encoding
		}
	}
	if chrs != "" && ftn.IsSupportedEncoding(chrs) {
		return chrs
	}
	if ftn.IsSupportedEncoding(t.cfg.PacketMsgEncoding) {
		return t.cfg.PacketMsgEncoding
	}
	return "utf-8"
}
