package ftn

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Flow types.
const (
	FlowMail     = "mail"
	FlowRef      = "ref"
	FlowBusy     = "busy"
	FlowRequest  = "request"
	FlowRequests = "requests"
)

// Export dispositions ("flavours").
const (
	FlavourCrash  = "crash"
	FlavourHold   = "hold"
	FlavourDirect = "direct"
	FlavourNormal = "normal"
)

// Flow-file directives.
const (
	DirectiveDelete   = "^"
	DirectiveTruncate = "#"
	DirectiveNone     = ""
)

// FileCaseUpper selects upper-case BSO names; anything else is lower.
const FileCaseUpper = "upper"

func applyCase(name, fileCase string) string {
	if strings.EqualFold(fileCase, FileCaseUpper) {
		return strings.ToUpper(name)
	}
	return strings.ToLower(name)
}

// FlowFileExtension returns the BSO extension for a flow type and flavour.
func FlowFileExtension(flowType, flavour, fileCase string) (string, error) {
	var ext string
	switch flowType {
	case FlowMail, FlowRef:
		var f byte
		switch strings.ToLower(flavour) {
		case FlavourCrash:
			f = 'c'
		case FlavourHold:
			f = 'h'
		case FlavourDirect:
			f = 'd'
		case FlavourNormal, "":
			// Normal flavour uses the historic .out / .flo names.
			if flowType == FlowMail {
				ext = "out"
			} else {
				ext = "flo"
			}
		default:
			return "", fmt.Errorf("ftn: unknown flavour %q", flavour)
		}
		if ext == "" {
			if flowType == FlowMail {
				ext = string(f) + "ut"
			} else {
				ext = string(f) + "lo"
			}
		}
	case FlowBusy:
		ext = "bsy"
	case FlowRequest:
		ext = "req"
	case FlowRequests:
		ext = "hrq"
	default:
		return "", fmt.Errorf("ftn: unknown flow type %q", flowType)
	}
	return applyCase(ext, fileCase), nil
}

// FlowBaseName returns the BSO base name for addr relative to its outbound
// directory: "NNNNnnnn" for nodes, "NNNNnnnn.pnt/0000pppp" for points.
func FlowBaseName(addr Address, fileCase string) string {
	node := fmt.Sprintf("%04x%04x", addr.Net, addr.Node)
	if addr.Point == 0 {
		return applyCase(node, fileCase)
	}
	return filepath.Join(applyCase(node+".pnt", fileCase), applyCase(fmt.Sprintf("%08x", addr.Point), fileCase))
}

// FlowFileName returns the full path of the flow file for addr in dir.
func FlowFileName(dir string, addr Address, flowType, flavour, fileCase string) (string, error) {
	ext, err := FlowFileExtension(flowType, flavour, fileCase)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FlowBaseName(addr, fileCase)+"."+ext), nil
}

// OutboundDir returns the BSO outbound directory for addr. The default
// network's default zone uses base itself; other zones get ".zzz"; other
// networks use a sibling directory named after the network.
func OutboundDir(base, network, defaultNetwork string, defaultZone int, addr Address) string {
	isDefaultNet := strings.EqualFold(network, defaultNetwork) || network == ""
	name := filepath.Base(base)
	if !isDefaultNet {
		name = strings.ToLower(network)
	}
	if addr.Zone != defaultZone {
		name = fmt.Sprintf("%s.%03x", name, addr.Zone)
	}
	if isDefaultNet && addr.Zone == defaultZone {
		return base
	}
	return filepath.Join(filepath.Dir(base), name)
}

// serialEpoch anchors MessageSerial so serials stay within 32 bits for
// decades.
var serialEpoch = time.Date(2016, 2, 1, 0, 0, 0, 0, time.UTC)

// MessageSerial derives an 8-hex-digit serial from a message id and the
// current time. Used for MSGIDs and packet names.
func MessageSerial(messageID int64, now time.Time) uint32 {
	ms := now.Sub(serialEpoch).Milliseconds()
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(ms+messageID, 10)))
	return h.Sum32()
}

// PacketFileName returns a free 8.3 packet path in dir for serial, using the
// temp extension "pk_" when temp is set. A taken name bumps the serial.
func PacketFileName(dir string, serial uint32, temp bool, fileCase string) string {
	ext := "pkt"
	if temp {
		ext = "pk_"
	}
	for {
		p := filepath.Join(dir, applyCase(fmt.Sprintf("%08x.%s", serial, ext), fileCase))
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return p
		}
		serial++
	}
}

// AppendRefs appends one "<directive><path>" line per reference to the flow
// file, creating its directory as needed.
func AppendRefs(flowPath string, refs []string, directive string) error {
	if len(refs) == 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(flowPath), 0755); err != nil {
		return fmt.Errorf("create flow dir: %w", err)
	}

	f, err := os.OpenFile(flowPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open flow file %s: %w", flowPath, err)
	}
	var b strings.Builder
	for _, ref := range refs {
		if abs, err := filepath.Abs(ref); err == nil {
			ref = abs
		}
		b.WriteString(directive)
		b.WriteString(ref)
		b.WriteString("\n")
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("write flow file %s: %w", flowPath, err)
	}
	return f.Close()
}

// FlowEntry is one parsed flow-file line.
type FlowEntry struct {
	Directive string
	Path      string
}

// ReadFlowFile parses a flow file. Lines starting with ~ (already sent) are
// skipped.
func ReadFlowFile(flowPath string) ([]FlowEntry, error) {
	data, err := os.ReadFile(flowPath)
	if err != nil {
		return nil, err
	}
	var refs []FlowEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || line[0] == '~' {
			continue
		}
		switch line[0] {
		case '^', '#':
			refs = append(refs, FlowEntry{Directive: line[:1], Path: line[1:]})
		default:
			refs = append(refs, FlowEntry{Path: line})
		}
	}
	return refs, nil
}
