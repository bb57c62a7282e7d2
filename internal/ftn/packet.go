package ftn

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Packet type identifiers as used in node configuration.
const (
	PacketType2     = "2"
	PacketType22    = "2.2"
	PacketType2Plus = "2+"
)

// pktVersion is the value of the packet type word for every Type-2 variant.
const pktVersion = 2

// CWValidation is the capability word validation value per FSC-0048.
const CWValidation = 0x0100

// PacketHeaderSize is the fixed size of a Type-2 family packet header.
const PacketHeaderSize = 58

// packedMessageHeaderSize is the fixed part of a packed message before the
// DateTime field.
const packedMessageHeaderSize = 14

// Field limits (FTS-0001). Lengths include the NUL terminator.
const (
	dateTimeLen   = 20
	maxToFromLen  = 36
	maxSubjectLen = 72
	MaxFieldLen   = 256
	MaxBodyLen    = 4 << 20
	ProductCodeV3 = 0xFE
	productRevMaj = 1
	productRevMin = 0
)

// ErrTruncatedMessage is wrapped by PacketValidationError when a record ends early.
var ErrTruncatedMessage = errors.New("ftn: truncated message in packet")

// PacketValidationError reports a corrupt packet. Callers reject the whole
// file when they see one.
type PacketValidationError struct {
	Path   string
	Offset int64
	Reason string
	Err    error
}

func (e *PacketValidationError) Error() string {
	msg := "ftn: invalid packet"
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += fmt.Sprintf(" at offset %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PacketValidationError) Unwrap() error { return e.Err }

// rawHeader2Plus is the on-disk Type-2+ header (FSC-0039/FSC-0048). Type-2
// packets share this layout with the zone fields at QOrigZone/QDestZone.
type rawHeader2Plus struct {
	OrigNode  uint16
	DestNode  uint16
	Year      uint16
	Month     uint16 // 0-based (0=Jan)
	Day       uint16
	Hour      uint16
	Minute    uint16
	Second    uint16
	Baud      uint16
	PktType   uint16
	OrigNet   uint16
	DestNet   uint16
	ProdCode  uint8
	ProdRev   uint8
	Password  [8]byte
	QOrigZone uint16
	QDestZone uint16
	AuxNet    uint16
	CWCopy    uint16 // capability word, byte swapped
	ProdCode2 uint8
	ProdRev2  uint8
	CapWord   uint16 // bit 0 = Type-2+
	OrigZone  uint16
	DestZone  uint16
	OrigPoint uint16
	DestPoint uint16
	ProdData  [4]byte
}

// rawHeader22 is the on-disk Type-2.2 header (FSC-0045).
type rawHeader22 struct {
	OrigNode   uint16
	DestNode   uint16
	OrigPoint  uint16
	DestPoint  uint16
	Reserved   [8]byte
	SubVersion uint16 // always 2
	PktType    uint16
	OrigNet    uint16
	DestNet    uint16
	ProdCode   uint8
	ProdRev    uint8
	Password   [8]byte
	OrigZone   uint16
	DestZone   uint16
	OrigDomain [8]byte
	DestDomain [8]byte
	ProdData   [4]byte
}

// PacketHeader is the decoded header of any Type-2 family packet.
type PacketHeader struct {
	Type     string
	Orig     Address
	Dest     Address
	Created  time.Time
	Password string
	ProdCode uint16
	ProdRev  [2]uint8
	Baud     uint16
	CapWord  uint16
	ProdData [4]byte
}

// NewPacketHeader creates a header of the given type stamped with now.
func NewPacketHeader(pktType string, orig, dest Address, password string) *PacketHeader {
	if pktType == "" {
		pktType = PacketType2Plus
	}
	return &PacketHeader{
		Type:     pktType,
		Orig:     orig,
		Dest:     dest,
		Created:  time.Now(),
		Password: password,
		ProdCode: ProductCodeV3,
		ProdRev:  [2]uint8{productRevMaj, productRevMin},
		CapWord:  0x0001,
	}
}

func passwordBytes(pw string) [8]byte {
	var out [8]byte
	copy(out[:], pw)
	return out
}

func passwordString(b [8]byte) string {
	return string(bytes.TrimRight(b[:], "\x00 "))
}

func domainString(b [8]byte) string {
	return string(bytes.TrimRight(b[:], "\x00 "))
}

// MarshalBinary encodes the header in the 58-byte layout for h.Type.
func (h *PacketHeader) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(PacketHeaderSize)

	switch h.Type {
	case PacketType22:
		raw := rawHeader22{
			OrigNode:   uint16(h.Orig.Node),
			DestNode:   uint16(h.Dest.Node),
			OrigPoint:  uint16(h.Orig.Point),
			DestPoint:  uint16(h.Dest.Point),
			SubVersion: 2,
			PktType:    pktVersion,
			OrigNet:    uint16(h.Orig.Net),
			DestNet:    uint16(h.Dest.Net),
			ProdCode:   uint8(h.ProdCode),
			ProdRev:    h.ProdRev[0],
			Password:   passwordBytes(h.Password),
			OrigZone:   uint16(h.Orig.Zone),
			DestZone:   uint16(h.Dest.Zone),
			OrigDomain: passwordBytes(h.Orig.Domain),
			DestDomain: passwordBytes(h.Dest.Domain),
			ProdData:   h.ProdData,
		}
		if err := binary.Write(&buf, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}
	case PacketType2, PacketType2Plus:
		t := h.Created
		raw := rawHeader2Plus{
			OrigNode:  uint16(h.Orig.Node),
			DestNode:  uint16(h.Dest.Node),
			Year:      uint16(t.Year()),
			Month:     uint16(t.Month() - 1),
			Day:       uint16(t.Day()),
			Hour:      uint16(t.Hour()),
			Minute:    uint16(t.Minute()),
			Second:    uint16(t.Second()),
			Baud:      h.Baud,
			PktType:   pktVersion,
			OrigNet:   uint16(h.Orig.Net),
			DestNet:   uint16(h.Dest.Net),
			ProdCode:  uint8(h.ProdCode),
			ProdRev:   h.ProdRev[0],
			Password:  passwordBytes(h.Password),
			QOrigZone: uint16(h.Orig.Zone),
			QDestZone: uint16(h.Dest.Zone),
		}
		if h.Type == PacketType2Plus {
			raw.CapWord = h.CapWord | 0x0001
			raw.CWCopy = swap16(raw.CapWord)
			raw.ProdCode2 = uint8(h.ProdCode >> 8)
			raw.ProdRev2 = h.ProdRev[1]
			raw.OrigZone = uint16(h.Orig.Zone)
			raw.DestZone = uint16(h.Dest.Zone)
			raw.OrigPoint = uint16(h.Orig.Point)
			raw.DestPoint = uint16(h.Dest.Point)
			raw.ProdData = h.ProdData
		}
		if err := binary.Write(&buf, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("ftn: unsupported packet type %q", h.Type)
	}
	return buf.Bytes(), nil
}

func swap16(v uint16) uint16 { return v<<8 | v>>8 }

// UnmarshalBinary decodes a 58-byte header, detecting the packet variant.
func (h *PacketHeader) UnmarshalBinary(data []byte) error {
	if len(data) < PacketHeaderSize {
		return &PacketValidationError{Reason: "header too short", Err: ErrTruncatedMessage}
	}
	data = data[:PacketHeaderSize]

	if v := binary.LittleEndian.Uint16(data[18:]); v != pktVersion {
		return &PacketValidationError{Offset: 18, Reason: fmt.Sprintf("unsupported packet version %d", v)}
	}

	// Type-2.2 stores a sub-version of 2 where Type-2 has the baud rate.
	if binary.LittleEndian.Uint16(data[16:]) == 2 {
		var raw rawHeader22
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
			return &PacketValidationError{Reason: "decode header", Err: err}
		}
		*h = PacketHeader{
			Type: PacketType22,
			Orig: Address{Zone: int(raw.OrigZone), Net: int(raw.OrigNet), Node: int(raw.OrigNode),
				Point: int(raw.OrigPoint), Domain: domainString(raw.OrigDomain)},
			Dest: Address{Zone: int(raw.DestZone), Net: int(raw.DestNet), Node: int(raw.DestNode),
				Point: int(raw.DestPoint), Domain: domainString(raw.DestDomain)},
			Password: passwordString(raw.Password),
			ProdCode: uint16(raw.ProdCode),
			ProdRev:  [2]uint8{raw.ProdRev, 0},
			ProdData: raw.ProdData,
		}
		return nil
	}

	var raw rawHeader2Plus
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &raw); err != nil {
		return &PacketValidationError{Reason: "decode header", Err: err}
	}

	*h = PacketHeader{
		Type:     PacketType2,
		Orig:     Address{Zone: int(raw.QOrigZone), Net: int(raw.OrigNet), Node: int(raw.OrigNode)},
		Dest:     Address{Zone: int(raw.QDestZone), Net: int(raw.DestNet), Node: int(raw.DestNode)},
		Password: passwordString(raw.Password),
		ProdCode: uint16(raw.ProdCode),
		ProdRev:  [2]uint8{raw.ProdRev, 0},
		Baud:     raw.Baud,
	}
	if raw.Year > 0 {
		h.Created = time.Date(int(raw.Year), time.Month(raw.Month+1), int(raw.Day),
			int(raw.Hour), int(raw.Minute), int(raw.Second), 0, time.Local)
	}

	if raw.CapWord&0x0001 != 0 && swap16(raw.CWCopy) == raw.CapWord {
		h.Type = PacketType2Plus
		h.CapWord = raw.CapWord
		h.ProdCode |= uint16(raw.ProdCode2) << 8
		h.ProdRev[1] = raw.ProdRev2
		h.ProdData = raw.ProdData
		if raw.OrigZone != 0 {
			h.Orig.Zone = int(raw.OrigZone)
		}
		if raw.DestZone != 0 {
			h.Dest.Zone = int(raw.DestZone)
		}
		h.Orig.Point = int(raw.OrigPoint)
		h.Dest.Point = int(raw.DestPoint)
		// FSC-0048 points send net 0xFFFF and the real net in AuxNet.
		if raw.OrigNet == 0xFFFF && raw.OrigPoint != 0 && raw.AuxNet != 0 {
			h.Orig.Net = int(raw.AuxNet)
		}
	}
	return nil
}

// PackedMessage is a single message entry as it appears on the wire. String
// fields hold raw bytes in the message's character set.
type PackedMessage struct {
	MsgType  uint16 // Always 2 for stored messages
	OrigNode uint16
	DestNode uint16
	OrigNet  uint16
	DestNet  uint16
	Attr     uint16
	Cost     uint16
	DateTime string // "DD Mon YY  HH:MM:SS"
	To       string
	From     string
	Subject  string
	Body     string // kludges, text, tear/origin, SEEN-BY and PATH
}

// Packed message attribute flags (FTS-0001).
const (
	MsgAttrPrivate  = 0x0001
	MsgAttrCrash    = 0x0002
	MsgAttrReceived = 0x0004
	MsgAttrSent     = 0x0008
	MsgAttrFile     = 0x0010
	MsgAttrTransit  = 0x0020
	MsgAttrOrphan   = 0x0040
	MsgAttrKillSent = 0x0080
	MsgAttrLocal    = 0x0100
	MsgAttrHold     = 0x0200
	MsgAttrFRQ      = 0x0800
)

func truncateField(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

// EncodedSize returns the number of bytes WriteMessageEntry will emit for m.
func (m *PackedMessage) EncodedSize() int {
	return packedMessageHeaderSize +
		len(truncateField(m.DateTime, dateTimeLen-1)) + 1 +
		len(truncateField(m.To, maxToFromLen-1)) + 1 +
		len(truncateField(m.From, maxToFromLen-1)) + 1 +
		len(truncateField(m.Subject, maxSubjectLen-1)) + 1 +
		len(m.Body) + 1
}

// PacketWriter emits a packet one record at a time.
type PacketWriter struct {
	w       io.Writer
	written int64
}

// NewPacketWriter returns a writer that emits to w.
func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: w}
}

// Written returns the total number of bytes emitted so far.
func (pw *PacketWriter) Written() int64 { return pw.written }

func (pw *PacketWriter) write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	return n, err
}

// WriteHeader writes the 58-byte packet header.
func (pw *PacketWriter) WriteHeader(h *PacketHeader) (int, error) {
	data, err := h.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("ftn: write header: %w", err)
	}
	n, err := pw.write(data)
	if err != nil {
		return n, fmt.Errorf("ftn: write header: %w", err)
	}
	return n, nil
}

// WriteMessageEntry writes one packed message and returns the bytes written.
func (pw *PacketWriter) WriteMessageEntry(m *PackedMessage) (int, error) {
	buf := make([]byte, 0, m.EncodedSize())
	buf = binary.LittleEndian.AppendUint16(buf, pktVersion)
	buf = binary.LittleEndian.AppendUint16(buf, m.OrigNode)
	buf = binary.LittleEndian.AppendUint16(buf, m.DestNode)
	buf = binary.LittleEndian.AppendUint16(buf, m.OrigNet)
	buf = binary.LittleEndian.AppendUint16(buf, m.DestNet)
	buf = binary.LittleEndian.AppendUint16(buf, m.Attr)
	buf = binary.LittleEndian.AppendUint16(buf, m.Cost)

	for _, s := range []string{
		truncateField(m.DateTime, dateTimeLen-1),
		truncateField(m.To, maxToFromLen-1),
		truncateField(m.From, maxToFromLen-1),
		truncateField(m.Subject, maxSubjectLen-1),
		m.Body,
	} {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}

	n, err := pw.write(buf)
	if err != nil {
		return n, fmt.Errorf("ftn: write message: %w", err)
	}
	return n, nil
}

// WriteTerminator writes the 0x0000 end-of-packet record.
func (pw *PacketWriter) WriteTerminator() (int, error) {
	n, err := pw.write([]byte{0, 0})
	if err != nil {
		return n, fmt.Errorf("ftn: write terminator: %w", err)
	}
	return n, nil
}

// WritePacket writes a complete packet to w.
func WritePacket(w io.Writer, hdr *PacketHeader, msgs []*PackedMessage) error {
	pw := NewPacketWriter(w)
	if _, err := pw.WriteHeader(hdr); err != nil {
		return err
	}
	for i, msg := range msgs {
		if _, err := pw.WriteMessageEntry(msg); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	_, err := pw.WriteTerminator()
	return err
}

// PacketReader streams messages out of a packet without buffering the
// whole file.
type PacketReader struct {
	br     *bufio.Reader
	hdr    PacketHeader
	offset int64
	count  int
	done   bool
}

// NewPacketReader reads and validates the header from r.
func NewPacketReader(r io.Reader) (*PacketReader, error) {
	pr := &PacketReader{br: bufio.NewReader(r)}
	data := make([]byte, PacketHeaderSize)
	n, err := io.ReadFull(pr.br, data)
	pr.offset += int64(n)
	if err != nil {
		return nil, &PacketValidationError{Offset: pr.offset, Reason: "short header", Err: err}
	}
	if err := pr.hdr.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return pr, nil
}

// Header returns the decoded packet header.
func (pr *PacketReader) Header() *PacketHeader { return &pr.hdr }

// Next returns the next message, or io.EOF after the terminator.
func (pr *PacketReader) Next() (*PackedMessage, error) {
	if pr.done {
		return nil, io.EOF
	}

	start := pr.offset
	var typ [2]byte
	n, err := io.ReadFull(pr.br, typ[:])
	pr.offset += int64(n)
	if err != nil {
		pr.done = true
		// Some tossers omit the terminator; a clean end after a
		// complete record is accepted.
		if err == io.EOF && pr.count > 0 {
			return nil, io.EOF
		}
		return nil, pr.invalid(start, "missing terminator", err)
	}

	switch v := binary.LittleEndian.Uint16(typ[:]); v {
	case 0:
		pr.done = true
		return nil, io.EOF
	case pktVersion:
	default:
		pr.done = true
		return nil, pr.invalid(start, fmt.Sprintf("unexpected record type %d", v), nil)
	}

	fixed := make([]byte, packedMessageHeaderSize-2)
	n, err = io.ReadFull(pr.br, fixed)
	pr.offset += int64(n)
	if err != nil {
		pr.done = true
		return nil, pr.invalid(start, "short message header", ErrTruncatedMessage)
	}

	msg := &PackedMessage{
		MsgType:  pktVersion,
		OrigNode: binary.LittleEndian.Uint16(fixed[0:]),
		DestNode: binary.LittleEndian.Uint16(fixed[2:]),
		OrigNet:  binary.LittleEndian.Uint16(fixed[4:]),
		DestNet:  binary.LittleEndian.Uint16(fixed[6:]),
		Attr:     binary.LittleEndian.Uint16(fixed[8:]),
		Cost:     binary.LittleEndian.Uint16(fixed[10:]),
	}

	fields := []struct {
		name string
		max  int
		dst  *string
	}{
		{"datetime", MaxFieldLen, &msg.DateTime},
		{"to", MaxFieldLen, &msg.To},
		{"from", MaxFieldLen, &msg.From},
		{"subject", MaxFieldLen, &msg.Subject},
		{"body", MaxBodyLen, &msg.Body},
	}
	for _, f := range fields {
		s, err := pr.readCString(f.max)
		if err != nil {
			pr.done = true
			return nil, pr.invalid(start, f.name, err)
		}
		*f.dst = s
	}

	pr.count++
	return msg, nil
}

func (pr *PacketReader) invalid(offset int64, reason string, err error) error {
	return &PacketValidationError{Offset: offset, Reason: reason, Err: err}
}

// readCString reads bytes up to and including a NUL, returning the bytes
// before it.
func (pr *PacketReader) readCString(max int) (string, error) {
	var buf []byte
	for {
		chunk, err := pr.br.ReadSlice(0)
		pr.offset += int64(len(chunk))
		buf = append(buf, chunk...)
		if len(buf) > max {
			return "", fmt.Errorf("field exceeds %d bytes", max)
		}
		if err == nil {
			return string(buf[:len(buf)-1]), nil
		}
		if err != bufio.ErrBufferFull {
			return "", ErrTruncatedMessage
		}
	}
}

// ReadPacketFile streams the packet at path. onHeader runs before any
// message is read; returning an error from either callback stops the walk
// and is returned unchanged. Validation errors carry the path.
func ReadPacketFile(path string, onHeader func(*PacketHeader) error, onMessage func(*PackedMessage) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = ReadPacketStream(f, onHeader, onMessage)
	var pve *PacketValidationError
	if errors.As(err, &pve) && pve.Path == "" {
		pve.Path = path
	}
	return err
}

// ReadPacketStream is ReadPacketFile for an arbitrary reader.
func ReadPacketStream(r io.Reader, onHeader func(*PacketHeader) error, onMessage func(*PackedMessage) error) error {
	pr, err := NewPacketReader(r)
	if err != nil {
		return err
	}
	if onHeader != nil {
		if err := onHeader(pr.Header()); err != nil {
			return err
		}
	}
	for {
		msg, err := pr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if onMessage != nil {
			if err := onMessage(msg); err != nil {
				return err
			}
		}
	}
}

// ReadPacket parses a complete packet from r into memory. Intended for
// tests and small packets; the tosser uses ReadPacketFile.
func ReadPacket(r io.Reader) (*PacketHeader, []*PackedMessage, error) {
	var hdr *PacketHeader
	var msgs []*PackedMessage
	err := ReadPacketStream(r,
		func(h *PacketHeader) error { hdr = h; return nil },
		func(m *PackedMessage) error { msgs = append(msgs, m); return nil })
	return hdr, msgs, err
}

// ReadPacketHeaderFromFile reads only the header of the packet at path.
func ReadPacketHeaderFromFile(path string) (*PacketHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, err := NewPacketReader(f)
	if err != nil {
		return nil, err
	}
	return pr.Header(), nil
}

// FormatFTNDateTime formats a time in FTN packed message format.
// Format: "DD Mon YY  HH:MM:SS" (note: double space before time).
func FormatFTNDateTime(t time.Time) string {
	return t.Format("02 Jan 06  15:04:05")
}

// ParseFTNDateTime parses an FTN datetime string in loc.
func ParseFTNDateTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation("02 Jan 06  15:04:05", s, loc)
	if err != nil {
		// Some implementations use single space
		t, err = time.ParseInLocation("02 Jan 06 15:04:05", s, loc)
	}
	return t, err
}
