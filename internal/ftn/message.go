package ftn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kludge is an unrecognised ^A control line kept for passthrough.
type Kludge struct {
	Name  string
	Value string
	Colon bool // written as "NAME: value" rather than "NAME value"
}

// ParseKludge parses a control line without its leading ^A.
func ParseKludge(line string) Kludge {
	return parseKludgeLine(line)
}

// String renders the kludge without the leading ^A.
func (k Kludge) String() string {
	return k.line()
}

func (k Kludge) line() string {
	if k.Colon {
		return k.Name + ": " + k.Value
	}
	if k.Value == "" {
		return k.Name
	}
	return k.Name + " " + k.Value
}

// Kludges holds the ^A control lines of a message.
type Kludges struct {
	MsgID string
	Reply string
	Intl  string
	Fmpt  string
	Topt  string
	TzUTC string
	PID   string
	TID   string
	Chrs  string
	Flags string
	Path  []string
	Via   []string
	Extra []Kludge
}

// Properties holds the protocol fields that are not kludges.
type Properties struct {
	Orig     Address
	Dest     Address
	Attr     uint16
	Cost     uint16
	Area     string
	TearLine string
	Origin   string
	SeenBy   []string
}

// Message is a decoded packet message with UTF-8 text fields.
type Message struct {
	Properties
	Kludges  Kludges
	DateTime time.Time
	To       string
	From     string
	Subject  string
	Text     string // "\n" line endings, no kludges, tear, origin or SEEN-BY
}

// IsNetMail reports whether the message has no area and the private bit.
func (m *Message) IsNetMail() bool {
	return m.Area == "" && m.Attr&MsgAttrPrivate != 0
}

const (
	areaPrefix   = "AREA:"
	seenByPrefix = "SEEN-BY: "
	originPrefix = " * Origin: "
)

// parseKludgeLine splits "NAME: value" or "NAME value".
func parseKludgeLine(line string) Kludge {
	sp := strings.IndexByte(line, ' ')
	colon := strings.IndexByte(line, ':')
	if colon > 0 && (sp < 0 || colon < sp) {
		return Kludge{
			Name:  line[:colon],
			Value: strings.TrimPrefix(line[colon+1:], " "),
			Colon: true,
		}
	}
	if sp < 0 {
		return Kludge{Name: line}
	}
	return Kludge{Name: line[:sp], Value: line[sp+1:]}
}

func (k *Kludges) set(kl Kludge) {
	switch strings.ToUpper(kl.Name) {
	case "MSGID":
		k.MsgID = kl.Value
	case "REPLY":
		k.Reply = kl.Value
	case "INTL":
		k.Intl = kl.Value
	case "FMPT":
		k.Fmpt = kl.Value
	case "TOPT":
		k.Topt = kl.Value
	case "TZUTC":
		k.TzUTC = kl.Value
	case "PID":
		k.PID = kl.Value
	case "TID":
		k.TID = kl.Value
	case "CHRS", "CHARSET":
		k.Chrs = kl.Value
	case "FLAGS":
		k.Flags = kl.Value
	case "PATH":
		k.Path = append(k.Path, kl.Value)
	case "VIA":
		k.Via = append(k.Via, kl.Value)
	default:
		k.Extra = append(k.Extra, kl)
	}
}

// headerLines renders the header kludges (everything except PATH and Via, which
// trail the message) in conventional order.
func (k *Kludges) headerLines() []string {
	var out []string
	add := func(name, value string, colon bool) {
		if value != "" {
			out = append(out, Kludge{Name: name, Value: value, Colon: colon}.line())
		}
	}
	add("INTL", k.Intl, false)
	add("FMPT", k.Fmpt, false)
	add("TOPT", k.Topt, false)
	add("MSGID", k.MsgID, true)
	add("REPLY", k.Reply, true)
	add("PID", k.PID, true)
	add("TID", k.TID, true)
	add("TZUTC", k.TzUTC, true)
	add("CHRS", k.Chrs, true)
	add("FLAGS", k.Flags, false)
	for _, e := range k.Extra {
		out = append(out, e.line())
	}
	return out
}

// TzLocation returns the fixed zone described by TZUTC, or nil.
func (k *Kludges) TzLocation() *time.Location {
	v := strings.TrimSpace(k.TzUTC)
	if v == "" {
		return nil
	}
	sign := 1
	switch v[0] {
	case '-':
		sign = -1
		v = v[1:]
	case '+':
		v = v[1:]
	}
	if len(v) != 4 {
		return nil
	}
	hh, err1 := strconv.Atoi(v[:2])
	mm, err2 := strconv.Atoi(v[2:])
	if err1 != nil || err2 != nil {
		return nil
	}
	return time.FixedZone("", sign*(hh*3600+mm*60))
}

// FormatTzUTC renders a time's UTC offset for the TZUTC kludge.
func FormatTzUTC(t time.Time) string {
	_, off := t.Zone()
	sign := ""
	if off < 0 {
		sign = "-"
		off = -off
	}
	return fmt.Sprintf("%s%02d%02d", sign, off/3600, (off%3600)/60)
}

// EncodeBody renders the message body in wire order with CR line endings.
// The result is UTF-8; Pack converts it to the CHRS charset.
func EncodeBody(m *Message) string {
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\r')
	}

	if m.Area != "" {
		line(areaPrefix + m.Area)
	}
	for _, k := range m.Kludges.headerLines() {
		line("\x01" + k)
	}
	if m.Text != "" {
		for _, l := range strings.Split(m.Text, "\n") {
			line(l)
		}
	}
	if m.TearLine != "" {
		line(m.TearLine)
	}
	if m.Origin != "" {
		line(originPrefix + m.Origin)
	}
	for _, sb := range m.SeenBy {
		line(seenByPrefix + sb)
	}
	for _, p := range m.Kludges.Path {
		line("\x01PATH: " + p)
	}
	for _, v := range m.Kludges.Via {
		line("\x01Via " + v)
	}
	return b.String()
}

// DecodeBody splits a UTF-8 wire body into area, kludges, text, tear line,
// origin and SEEN-BY, filling the corresponding fields of m.
func DecodeBody(m *Message, body string) {
	body = strings.ReplaceAll(body, "\r\n", "\r")
	body = strings.ReplaceAll(body, "\n", "\r")
	lines := strings.Split(body, "\r")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	var text []string
	for i, l := range lines {
		switch {
		case i == 0 && strings.HasPrefix(l, areaPrefix):
			m.Area = strings.TrimSpace(strings.TrimPrefix(l, areaPrefix))
		case strings.HasPrefix(l, "\x01"):
			m.Kludges.set(parseKludgeLine(l[1:]))
		case strings.HasPrefix(l, seenByPrefix):
			m.SeenBy = append(m.SeenBy, strings.TrimPrefix(l, seenByPrefix))
		default:
			text = append(text, l)
		}
	}

	if n := len(text); n > 0 && strings.HasPrefix(text[n-1], originPrefix) {
		m.Origin = strings.TrimPrefix(text[n-1], originPrefix)
		text = text[:n-1]
	}
	if n := len(text); n > 0 && isTearLine(text[n-1]) {
		m.TearLine = text[n-1]
		text = text[:n-1]
	}
	m.Text = strings.Join(text, "\n")
}

func isTearLine(s string) bool {
	return s == "---" || strings.HasPrefix(s, "--- ")
}

// Pack converts m to its wire form using the charset named by the CHRS
// kludge. Without CHRS the text is written as UTF-8.
func (m *Message) Pack() (*PackedMessage, error) {
	enc, _, ok := LookupEncoding(m.Kludges.Chrs)
	if !ok {
		enc = nil
	}

	pm := &PackedMessage{
		MsgType:  pktVersion,
		OrigNode: uint16(m.Orig.Node),
		DestNode: uint16(m.Dest.Node),
		OrigNet:  uint16(m.Orig.Net),
		DestNet:  uint16(m.Dest.Net),
		Attr:     m.Attr,
		Cost:     m.Cost,
		DateTime: FormatFTNDateTime(m.DateTime),
	}
	var err error
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&pm.To, m.To},
		{&pm.From, m.From},
		{&pm.Subject, m.Subject},
		{&pm.Body, EncodeBody(m)},
	} {
		if *f.dst, err = encodeString(enc, f.src); err != nil {
			return nil, fmt.Errorf("ftn: encode message: %w", err)
		}
	}
	return pm, nil
}

// Unpack decodes a wire message. Zones and points come from INTL, FMPT and
// TOPT when present, otherwise from the packet header.
func Unpack(pm *PackedMessage, hdr *PacketHeader) (*Message, error) {
	m := &Message{}
	m.Attr = pm.Attr
	m.Cost = pm.Cost

	// Kludge lines are ASCII; find CHRS before decoding anything else.
	var probe Message
	DecodeBody(&probe, pm.Body)
	enc, _, ok := LookupEncoding(probe.Kludges.Chrs)
	if !ok {
		enc = nil
	}

	var err error
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&m.To, pm.To},
		{&m.From, pm.From},
		{&m.Subject, pm.Subject},
	} {
		if *f.dst, err = decodeString(enc, f.src); err != nil {
			return nil, fmt.Errorf("ftn: decode message: %w", err)
		}
	}
	body, err := decodeString(enc, pm.Body)
	if err != nil {
		return nil, fmt.Errorf("ftn: decode message body: %w", err)
	}
	DecodeBody(m, body)

	m.Orig = Address{Net: int(pm.OrigNet), Node: int(pm.OrigNode)}
	m.Dest = Address{Net: int(pm.DestNet), Node: int(pm.DestNode)}
	if hdr != nil {
		m.Orig.Zone = hdr.Orig.Zone
		m.Dest.Zone = hdr.Dest.Zone
	}
	if dst, src, ok := ParseIntl(m.Kludges.Intl); ok {
		m.Dest.Zone, m.Dest.Net, m.Dest.Node = dst.Zone, dst.Net, dst.Node
		m.Orig.Zone, m.Orig.Net, m.Orig.Node = src.Zone, src.Net, src.Node
	}
	if p, err := strconv.Atoi(strings.TrimSpace(m.Kludges.Fmpt)); err == nil {
		m.Orig.Point = p
	}
	if p, err := strconv.Atoi(strings.TrimSpace(m.Kludges.Topt)); err == nil {
		m.Dest.Point = p
	}

	loc := m.Kludges.TzLocation()
	if m.DateTime, err = ParseFTNDateTime(strings.TrimSpace(pm.DateTime), loc); err != nil {
		if hdr != nil && !hdr.Created.IsZero() {
			m.DateTime = hdr.Created
		} else {
			m.DateTime = time.Now()
		}
	}
	return m, nil
}

// ParseIntl parses "INTL <dest Z:N/n> <orig Z:N/n>".
func ParseIntl(v string) (dest, orig Address, ok bool) {
	f := strings.Fields(v)
	if len(f) != 2 {
		return Address{}, Address{}, false
	}
	d, err1 := ParseAddress(f[0])
	o, err2 := ParseAddress(f[1])
	if err1 != nil || err2 != nil {
		return Address{}, Address{}, false
	}
	return d, o, true
}

// FormatIntl renders the INTL kludge value for a NetMail message.
func FormatIntl(dest, orig Address) string {
	return dest.String3D() + " " + orig.String3D()
}

// MsgIDAddress extracts the origin address from a MSGID or REPLY value.
// Handles "1:2/3 abcd1234" and "123.area@1:2/3 abcd1234".
func MsgIDAddress(v string) (Address, bool) {
	f := strings.Fields(v)
	if len(f) == 0 {
		return Address{}, false
	}
	origin := f[0]
	if a, err := ParseAddress(origin); err == nil {
		return a, true
	}
	if at := strings.IndexByte(origin, '@'); at >= 0 {
		if a, err := ParseAddress(origin[at+1:]); err == nil {
			return a, true
		}
	}
	return Address{}, false
}
