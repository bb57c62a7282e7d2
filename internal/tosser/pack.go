package tosser

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/logging"
)

// packetSpec describes the packets for one destination.
type packetSpec struct {
	Type     string
	Orig     ftn.Address
	Dest     ftn.Address
	Password string
	FileCase string
	Serial   uint32
	Target   int // bytes; <= 0 means unbounded
}

// packetFile is an open temp packet being filled.
type packetFile struct {
	path  string
	f     *os.File
	pw    *ftn.PacketWriter
	count int
}

func openPacket(dir string, spec packetSpec, serial uint32) (*packetFile, error) {
	p := ftn.PacketFileName(dir, serial, true, spec.FileCase)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", p, err)
	}
	pf := &packetFile{path: p, f: f, pw: ftn.NewPacketWriter(f)}
	if _, err := pf.pw.WriteHeader(ftn.NewPacketHeader(spec.Type, spec.Orig, spec.Dest, spec.Password)); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("write header %s: %w", p, err)
	}
	return pf, nil
}

func (pf *packetFile) close() error {
	if _, err := pf.pw.WriteTerminator(); err != nil {
		pf.f.Close()
		return fmt.Errorf("terminate %s: %w", pf.path, err)
	}
	return pf.f.Close()
}

// writeTempPackets writes msgs into ".pk_" packets in dir. A message that
// would push the current packet past spec.Target starts the next packet; a
// packet always holds at least one message. Returns the packet paths in
// write order. On error every packet created so far is removed.
func writeTempPackets(dir string, spec packetSpec, msgs []*ftn.PackedMessage) (paths []string, err error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var cur *packetFile
	defer func() {
		if err == nil {
			return
		}
		if cur != nil {
			cur.f.Close()
			os.Remove(cur.path)
		}
		for _, p := range paths {
			os.Remove(p)
		}
		paths = nil
	}()

	serial := spec.Serial
	const terminatorSize = 2
	for _, m := range msgs {
		size := int64(m.EncodedSize())
		if cur != nil && cur.count > 0 && spec.Target > 0 &&
			cur.pw.Written()+size+terminatorSize >= int64(spec.Target) {
			if err = cur.close(); err != nil {
				return paths, err
			}
			paths = append(paths, cur.path)
			cur = nil
		}
		if cur == nil {
			if cur, err = openPacket(dir, spec, serial); err != nil {
				return paths, err
			}
			serial++
		}
		if _, err = cur.pw.WriteMessageEntry(m); err != nil {
			return paths, fmt.Errorf("write message to %s: %w", cur.path, err)
		}
		cur.count++
	}
	if err = cur.close(); err != nil {
		return paths, err
	}
	paths = append(paths, cur.path)
	return paths, nil
}

// deliver moves temp packets into the outbound for dest: bundled into one
// archive when node names an archiver, otherwise renamed to ".pkt". The
// delivered files are appended to dest's reference flow file with the
// delete directive. Temp packets are consumed either way.
func (t *Tosser) deliver(outDir string, src, dest ftn.Address, node config.NodeConfig, temps []string) ([]string, error) {
	if len(temps) == 0 {
		return nil, nil
	}
	defer func() {
		for _, p := range temps {
			os.Remove(p)
		}
	}()
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create outbound %s: %w", outDir, err)
	}

	var refs []string
	if node.ArchiveType != "" {
		// Packets inside a bundle carry their final .pkt names.
		for i, tmp := range temps {
			final := ftn.PacketFileName(filepath.Dir(tmp), serialFromName(tmp), false, node.FileCase)
			if err := os.Rename(tmp, final); err != nil {
				return nil, fmt.Errorf("stage packet for bundle: %w", err)
			}
			temps[i] = final
		}
		bundle, err := ftn.BundleFileName(outDir, src, dest, t.now(), node.FileCase)
		if err != nil {
			return nil, err
		}
		if err := t.arc.Compress(node.ArchiveType, bundle, temps); err != nil {
			return nil, fmt.Errorf("bundle for %s: %w", dest, err)
		}
		log.Printf("INFO: Created bundle %s with %d packet(s) for %s", filepath.Base(bundle), len(temps), dest)
		refs = append(refs, bundle)
	} else {
		for _, tmp := range temps {
			serial := serialFromName(tmp)
			dst := ftn.PacketFileName(outDir, serial, false, node.FileCase)
			if err := moveFile(tmp, dst); err != nil {
				for _, r := range refs {
					os.Remove(r)
				}
				return nil, fmt.Errorf("move packet to outbound: %w", err)
			}
			logging.Debug("Queued packet %s for %s", dst, dest)
			refs = append(refs, dst)
		}
	}

	flow, err := ftn.FlowFileName(outDir, dest, ftn.FlowRef, node.ExportType, node.FileCase)
	if err == nil {
		err = ftn.AppendRefs(flow, refs, ftn.DirectiveDelete)
	}
	if err != nil {
		// Nothing may sit in the outbound without a flow reference.
		for _, r := range refs {
			os.Remove(r)
		}
		return nil, err
	}
	return refs, nil
}

// serialFromName recovers the 8-hex-digit serial from a packet name.
func serialFromName(p string) uint32 {
	var serial uint32
	base := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	fmt.Sscanf(strings.ToLower(base), "%08x", &serial)
	return serial
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst through a temp file in dst's directory.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// uniquePath returns dir/name, or dir/<stem>-N<ext> with the lowest N >= 1
// that does not exist yet.
func uniquePath(dir, name string) string {
	p := filepath.Join(dir, name)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return p
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		p = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
	}
}
