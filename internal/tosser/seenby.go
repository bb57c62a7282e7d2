package tosser

import (
	"sort"
	"strconv"
	"strings"

	"github.com/stlalpha/v3mail/internal/ftn"
)

// Line widths keep SEEN-BY and ^APATH lines under 80 columns.
const (
	seenByWidth = 70
	pathWidth   = 72
)

// netNode is a net/node pair for SEEN-BY/PATH processing.
type netNode struct {
	Net  int
	Node int
}

func netNodeOf(a ftn.Address) netNode {
	return netNode{Net: a.Net, Node: a.Node}
}

// ParseSeenByLines parses SEEN-BY or PATH lines into net/node pairs.
// Format: "103/705 104/56 104/100" or "103/705 706" (implied net). The
// implied net carries across lines.
func ParseSeenByLines(lines []string) []netNode {
	var result []netNode
	currentNet := -1

	for _, line := range lines {
		for _, part := range strings.Fields(line) {
			// Points never appear in 2D lists; drop any stray suffix.
			if dot := strings.IndexByte(part, '.'); dot >= 0 {
				part = part[:dot]
			}
			if idx := strings.Index(part, "/"); idx >= 0 {
				net, err1 := strconv.Atoi(part[:idx])
				node, err2 := strconv.Atoi(part[idx+1:])
				if err1 == nil && err2 == nil {
					currentNet = net
					result = append(result, netNode{Net: net, Node: node})
				}
				continue
			}
			node, err := strconv.Atoi(part)
			if err == nil && currentNet >= 0 {
				result = append(result, netNode{Net: currentNet, Node: node})
			}
		}
	}
	return result
}

// formatNetNodes renders pairs with net compression, wrapping at width.
// Every wrapped line restarts with a full net/node.
func formatNetNodes(nodes []netNode, width int) []string {
	var lines []string
	var b strings.Builder
	lastNet := -1

	for _, nn := range nodes {
		full := strconv.Itoa(nn.Net) + "/" + strconv.Itoa(nn.Node)
		tok := full
		if nn.Net == lastNet {
			tok = strconv.Itoa(nn.Node)
		}
		if b.Len() > 0 && b.Len()+1+len(tok) > width {
			lines = append(lines, b.String())
			b.Reset()
			tok = full
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
		lastNet = nn.Net
	}
	if b.Len() > 0 {
		lines = append(lines, b.String())
	}
	return lines
}

// MergeSeenBy adds addrs to the SEEN-BY set, returning sorted, de-duplicated
// and wrapped lines.
func MergeSeenBy(existing []string, addrs ...ftn.Address) []string {
	seen := make(map[netNode]bool)
	var all []netNode
	add := func(nn netNode) {
		if !seen[nn] {
			seen[nn] = true
			all = append(all, nn)
		}
	}
	for _, nn := range ParseSeenByLines(existing) {
		add(nn)
	}
	for _, a := range addrs {
		add(netNodeOf(a))
	}
	if len(all) == 0 {
		return nil
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Net != all[j].Net {
			return all[i].Net < all[j].Net
		}
		return all[i].Node < all[j].Node
	})
	return formatNetNodes(all, seenByWidth)
}

// AppendPath appends addr to the PATH unless it is already the last hop.
// Hop order is preserved.
func AppendPath(existing []string, addr ftn.Address) []string {
	hops := ParseSeenByLines(existing)
	own := netNodeOf(addr)
	if n := len(hops); n == 0 || hops[n-1] != own {
		hops = append(hops, own)
	}
	return formatNetNodes(hops, pathWidth)
}
