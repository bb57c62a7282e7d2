package ftn

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a FidoNet address (Zone:Net/Node.Point@domain).
type Address struct {
	Zone   int
	Net    int
	Node   int
	Point  int
	Domain string
}

// AddressParseError reports a malformed address or pattern string.
type AddressParseError struct {
	Input  string
	Reason string
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("ftn: invalid address %q: %s", e.Input, e.Reason)
}

// ParseAddress parses "Z:N/n", "Z:N/n.p" with an optional "@domain" suffix.
func ParseAddress(s string) (Address, error) {
	in := strings.TrimSpace(s)
	var a Address

	if at := strings.IndexByte(in, '@'); at >= 0 {
		a.Domain = in[at+1:]
		in = in[:at]
		if a.Domain == "" {
			return Address{}, &AddressParseError{Input: s, Reason: "empty domain"}
		}
	}

	zonePart, rest, ok := strings.Cut(in, ":")
	if !ok {
		return Address{}, &AddressParseError{Input: s, Reason: "missing zone"}
	}
	netPart, rest, ok := strings.Cut(rest, "/")
	if !ok {
		return Address{}, &AddressParseError{Input: s, Reason: "missing net/node separator"}
	}
	nodePart, pointPart, hasPoint := strings.Cut(rest, ".")

	var err error
	if a.Zone, err = parseAddrField(zonePart); err != nil {
		return Address{}, &AddressParseError{Input: s, Reason: "zone: " + err.Error()}
	}
	if a.Net, err = parseAddrField(netPart); err != nil {
		return Address{}, &AddressParseError{Input: s, Reason: "net: " + err.Error()}
	}
	if a.Node, err = parseAddrField(nodePart); err != nil {
		return Address{}, &AddressParseError{Input: s, Reason: "node: " + err.Error()}
	}
	if hasPoint {
		if a.Point, err = parseAddrField(pointPart); err != nil {
			return Address{}, &AddressParseError{Input: s, Reason: "point: " + err.Error()}
		}
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func parseAddrField(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number")
	}
	if n < 0 || n > 0xFFFF {
		return 0, fmt.Errorf("out of range")
	}
	return n, nil
}

// String returns the address with the point omitted when zero.
func (a Address) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d/%d", a.Zone, a.Net, a.Node)
	if a.Point != 0 {
		fmt.Fprintf(&b, ".%d", a.Point)
	}
	if a.Domain != "" {
		b.WriteByte('@')
		b.WriteString(a.Domain)
	}
	return b.String()
}

// String4D always includes the point, without domain.
func (a Address) String4D() string {
	return fmt.Sprintf("%d:%d/%d.%d", a.Zone, a.Net, a.Node, a.Point)
}

// String3D is zone:net/node, used in INTL kludges.
func (a Address) String3D() string {
	return fmt.Sprintf("%d:%d/%d", a.Zone, a.Net, a.Node)
}

// String2D returns the net/node form used for SEEN-BY and PATH.
func (a Address) String2D() string {
	return fmt.Sprintf("%d/%d", a.Net, a.Node)
}

// IsValid reports whether all components are in range.
func (a Address) IsValid() bool {
	return a.Zone >= 0 && a.Net >= 0 && a.Node >= 0 && a.Point >= 0 &&
		a.Zone <= 0xFFFF && a.Net <= 0xFFFF && a.Node <= 0xFFFF && a.Point <= 0xFFFF
}

// Equal compares the 4D components. Domains only matter when both are set.
func (a Address) Equal(o Address) bool {
	if a.Zone != o.Zone || a.Net != o.Net || a.Node != o.Node || a.Point != o.Point {
		return false
	}
	if a.Domain != "" && o.Domain != "" {
		return strings.EqualFold(a.Domain, o.Domain)
	}
	return true
}

// IsLocal reports whether a equals any of the given local addresses.
func (a Address) IsLocal(locals []Address) bool {
	for _, l := range locals {
		if a.Equal(l) {
			return true
		}
	}
	return false
}

// Boss returns the node address of a point (point set to 0).
func (a Address) Boss() Address {
	a.Point = 0
	return a
}

// Wildcard is the pattern token that matches any field value.
const Wildcard = "*"

// Pattern is an address pattern where each field is either a value or a
// wildcard. A nil field is a wildcard.
type Pattern struct {
	Zone, Net, Node, Point *int
	raw                    string
}

// ParsePattern parses patterns such as "*", "1:*", "1:103/*", "1:103/705"
// and "1:103/705.*". Omitted trailing fields are wildcards.
func ParsePattern(s string) (Pattern, error) {
	in := strings.TrimSpace(s)
	p := Pattern{raw: in}
	if in == "" {
		return Pattern{}, &AddressParseError{Input: s, Reason: "empty pattern"}
	}
	if at := strings.IndexByte(in, '@'); at >= 0 {
		in = in[:at]
	}
	if in == Wildcard {
		return p, nil
	}

	zonePart, rest, hasNet := strings.Cut(in, ":")
	var err error
	if p.Zone, err = parsePatternField(zonePart); err != nil {
		return Pattern{}, &AddressParseError{Input: s, Reason: "zone: " + err.Error()}
	}
	if !hasNet {
		return p, nil
	}

	netPart, rest, hasNode := strings.Cut(rest, "/")
	if p.Net, err = parsePatternField(netPart); err != nil {
		return Pattern{}, &AddressParseError{Input: s, Reason: "net: " + err.Error()}
	}
	if !hasNode {
		return p, nil
	}

	nodePart, pointPart, hasPoint := strings.Cut(rest, ".")
	if p.Node, err = parsePatternField(nodePart); err != nil {
		return Pattern{}, &AddressParseError{Input: s, Reason: "node: " + err.Error()}
	}
	if !hasPoint {
		return p, nil
	}
	if p.Point, err = parsePatternField(pointPart); err != nil {
		return Pattern{}, &AddressParseError{Input: s, Reason: "point: " + err.Error()}
	}
	return p, nil
}

func parsePatternField(s string) (*int, error) {
	if s == Wildcard {
		return nil, nil
	}
	n, err := parseAddrField(s)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// Matches reports whether every non-wildcard field equals the address field.
func (p Pattern) Matches(a Address) bool {
	return fieldMatches(p.Zone, a.Zone) &&
		fieldMatches(p.Net, a.Net) &&
		fieldMatches(p.Node, a.Node) &&
		fieldMatches(p.Point, a.Point)
}

func fieldMatches(want *int, got int) bool {
	return want == nil || *want == got
}

// Wildcards returns the number of wildcard fields, used to rank how
// specific a pattern is.
func (p Pattern) Wildcards() int {
	n := 0
	for _, f := range []*int{p.Zone, p.Net, p.Node, p.Point} {
		if f == nil {
			n++
		}
	}
	return n
}

func (p Pattern) String() string {
	if p.raw != "" {
		return p.raw
	}
	field := func(f *int) string {
		if f == nil {
			return Wildcard
		}
		return strconv.Itoa(*f)
	}
	return fmt.Sprintf("%s:%s/%s.%s", field(p.Zone), field(p.Net), field(p.Node), field(p.Point))
}

// MatchesAddressPattern parses pattern and matches it against addr. Invalid
// patterns never match.
func MatchesAddressPattern(pattern string, addr Address) bool {
	p, err := ParsePattern(pattern)
	if err != nil {
		return false
	}
	return p.Matches(addr)
}
