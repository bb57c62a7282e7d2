package ftn

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPacketRoundTrip(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:103/705"), MustParseAddress("1:104/56"), "secret")
	hdr.Created = time.Date(2026, 2, 9, 14, 30, 45, 0, time.Local)

	msgs := []*PackedMessage{
		{
			OrigNode: 705,
			DestNode: 56,
			OrigNet:  103,
			DestNet:  104,
			Attr:     MsgAttrLocal,
			DateTime: FormatFTNDateTime(time.Now()),
			To:       "All",
			From:     "Test User",
			Subject:  "Test Subject",
			Body:     "AREA:GENERAL\r\x01MSGID: 1:103/705 12345678\rHello World!\r--- v3mail\r * Origin: Test BBS (1:103/705)\rSEEN-BY: 103/705\r\x01PATH: 103/705\r",
		},
	}

	var buf bytes.Buffer
	if err := WritePacket(&buf, hdr, msgs); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	hdr2, msgs2, err := ReadPacket(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}

	if hdr2.Type != PacketType2Plus {
		t.Errorf("packet type: got %q, want %q", hdr2.Type, PacketType2Plus)
	}
	if !hdr2.Orig.Equal(hdr.Orig) || !hdr2.Dest.Equal(hdr.Dest) {
		t.Errorf("addresses: got %s->%s, want %s->%s", hdr2.Orig, hdr2.Dest, hdr.Orig, hdr.Dest)
	}
	if hdr2.Password != "secret" {
		t.Errorf("password: got %q, want %q", hdr2.Password, "secret")
	}
	if !hdr2.Created.Equal(hdr.Created) {
		t.Errorf("created: got %v, want %v", hdr2.Created, hdr.Created)
	}

	if len(msgs2) != 1 {
		t.Fatalf("message count: got %d, want 1", len(msgs2))
	}
	msg := msgs2[0]
	if msg.To != "All" || msg.From != "Test User" || msg.Subject != "Test Subject" {
		t.Errorf("fields: got %q/%q/%q", msg.To, msg.From, msg.Subject)
	}
	if msg.Body != msgs[0].Body {
		t.Errorf("Body mismatch:\ngot:  %q\nwant: %q", msg.Body, msgs[0].Body)
	}
	if msg.Attr != MsgAttrLocal {
		t.Errorf("Attr: got 0x%04x, want 0x%04x", msg.Attr, MsgAttrLocal)
	}
}

func TestPacketHeaderLayout(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("21:4/158.1"), MustParseAddress("21:4/100"), "pw")
	data, err := hdr.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != PacketHeaderSize {
		t.Fatalf("header size: got %d, want %d", len(data), PacketHeaderSize)
	}

	le := binary.LittleEndian
	checks := []struct {
		name   string
		offset int
		want   uint16
	}{
		{"origNode", 0, 158},
		{"destNode", 2, 100},
		{"pktType", 18, 2},
		{"origNet", 20, 4},
		{"destNet", 22, 4},
		{"qOrigZone", 34, 21},
		{"qDestZone", 36, 21},
		{"cwCopy", 40, 0x0100},
		{"capWord", 44, 0x0001},
		{"origZone", 46, 21},
		{"destZone", 48, 21},
		{"origPoint", 50, 1},
		{"destPoint", 52, 0},
	}
	for _, c := range checks {
		if got := le.Uint16(data[c.offset:]); got != c.want {
			t.Errorf("%s at %d: got %d, want %d", c.name, c.offset, got, c.want)
		}
	}
	if string(data[26:28]) != "pw" || data[28] != 0 {
		t.Errorf("password field: %q", data[26:34])
	}
}

func TestPacketHeaderVariants(t *testing.T) {
	orig := MustParseAddress("2:5020/1042.3")
	dest := MustParseAddress("2:5020/1")

	for _, typ := range []string{PacketType2, PacketType22, PacketType2Plus} {
		hdr := NewPacketHeader(typ, orig, dest, "")
		data, err := hdr.MarshalBinary()
		if err != nil {
			t.Fatalf("%s MarshalBinary: %v", typ, err)
		}
		var got PacketHeader
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("%s UnmarshalBinary: %v", typ, err)
		}
		if got.Type != typ {
			t.Errorf("detected type: got %q, want %q", got.Type, typ)
		}
		wantOrig := orig
		if typ == PacketType2 {
			// Type-2 has no point fields.
			wantOrig = orig.Boss()
		}
		if !got.Orig.Equal(wantOrig) || !got.Dest.Equal(dest) {
			t.Errorf("%s addresses: got %s->%s, want %s->%s", typ, got.Orig, got.Dest, wantOrig, dest)
		}
	}
}

func TestPacketHeaderAuxNet(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:103/705.2"), MustParseAddress("1:103/705"), "")
	data, _ := hdr.MarshalBinary()
	// FSC-0048 style point packet: OrigNet=0xFFFF, real net in AuxNet.
	binary.LittleEndian.PutUint16(data[20:], 0xFFFF)
	binary.LittleEndian.PutUint16(data[38:], 103)

	var got PacketHeader
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Orig.Net != 103 || got.Orig.Point != 2 {
		t.Errorf("orig: got %s, want 1:103/705.2", got.Orig)
	}
}

func TestPacketMultipleMessages(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("21:3/110"), MustParseAddress("21:1/100"), "")

	msgs := []*PackedMessage{
		{OrigNode: 110, DestNode: 100, OrigNet: 3, DestNet: 1,
			DateTime: "09 Feb 26  12:00:00", To: "User1", From: "Sender1",
			Subject: "Msg 1", Body: "Body one\r"},
		{OrigNode: 110, DestNode: 100, OrigNet: 3, DestNet: 1,
			DateTime: "09 Feb 26  12:01:00", To: "User2", From: "Sender2",
			Subject: "Msg 2", Body: "Body two\r"},
		{OrigNode: 110, DestNode: 100, OrigNet: 3, DestNet: 1,
			DateTime: "09 Feb 26  12:02:00", To: "User3", From: "Sender3",
			Subject: "Msg 3", Body: "Body three\r"},
	}

	var buf bytes.Buffer
	if err := WritePacket(&buf, hdr, msgs); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}

	_, msgs2, err := ReadPacket(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if len(msgs2) != 3 {
		t.Fatalf("message count: got %d, want 3", len(msgs2))
	}
	for i, m := range msgs2 {
		if m.Subject != msgs[i].Subject {
			t.Errorf("msg[%d] subject: got %q, want %q", i, m.Subject, msgs[i].Subject)
		}
	}
}

func TestWriteMessageEntrySize(t *testing.T) {
	msg := &PackedMessage{
		OrigNode: 1, DestNode: 2, OrigNet: 3, DestNet: 4,
		DateTime: "09 Feb 26  12:00:00",
		To:       "A very long recipient name that exceeds the limit",
		From:     "Sender",
		Subject:  "Subject",
		Body:     "Body\r",
	}
	var buf bytes.Buffer
	pw := NewPacketWriter(&buf)
	n, err := pw.WriteMessageEntry(msg)
	if err != nil {
		t.Fatalf("WriteMessageEntry: %v", err)
	}
	if n != buf.Len() || n != msg.EncodedSize() {
		t.Errorf("bytes written %d, buffer %d, EncodedSize %d", n, buf.Len(), msg.EncodedSize())
	}
	if pw.Written() != int64(n) {
		t.Errorf("Written: got %d, want %d", pw.Written(), n)
	}
}

func TestFormatAndParseFTNDateTime(t *testing.T) {
	now := time.Date(2026, 2, 9, 14, 30, 45, 0, time.UTC)
	formatted := FormatFTNDateTime(now)

	expected := "09 Feb 26  14:30:45"
	if formatted != expected {
		t.Errorf("FormatFTNDateTime: got %q, want %q", formatted, expected)
	}

	parsed, err := ParseFTNDateTime(formatted, time.UTC)
	if err != nil {
		t.Fatalf("ParseFTNDateTime: %v", err)
	}
	if !parsed.Equal(now) {
		t.Errorf("Parsed time mismatch: got %v", parsed)
	}

	if _, err := ParseFTNDateTime("09 Feb 26 14:30:45", nil); err != nil {
		t.Errorf("single-space variant: %v", err)
	}
}

func TestEmptyPacket(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:100/1"), MustParseAddress("1:200/2"), "")

	var buf bytes.Buffer
	if err := WritePacket(&buf, hdr, nil); err != nil {
		t.Fatalf("WritePacket empty: %v", err)
	}
	if buf.Len() != PacketHeaderSize+2 {
		t.Errorf("empty packet size: got %d, want %d", buf.Len(), PacketHeaderSize+2)
	}

	hdr2, msgs, err := ReadPacket(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPacket empty: %v", err)
	}
	if hdr2.Orig.Node != 1 || hdr2.Dest.Node != 2 {
		t.Error("header mismatch on empty packet")
	}
	if len(msgs) != 0 {
		t.Errorf("expected 0 messages, got %d", len(msgs))
	}
}

func TestTruncatedPacket(t *testing.T) {
	_, _, err := ReadPacket(bytes.NewReader([]byte{0, 1, 2}))
	var pve *PacketValidationError
	if !errors.As(err, &pve) {
		t.Fatalf("expected PacketValidationError, got %v", err)
	}
}

func TestBadPacketVersion(t *testing.T) {
	data := make([]byte, PacketHeaderSize+2)
	binary.LittleEndian.PutUint16(data[18:], 3)
	_, _, err := ReadPacket(bytes.NewReader(data))
	var pve *PacketValidationError
	if !errors.As(err, &pve) {
		t.Fatalf("expected PacketValidationError, got %v", err)
	}
}

func TestCorruptFirstRecord(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:1/1"), MustParseAddress("1:1/2"), "")
	data, _ := hdr.MarshalBinary()
	data = append(data, 0x07, 0x00, 1, 2, 3)

	_, _, err := ReadPacket(bytes.NewReader(data))
	var pve *PacketValidationError
	if !errors.As(err, &pve) {
		t.Fatalf("expected PacketValidationError, got %v", err)
	}
	if pve.Offset != PacketHeaderSize {
		t.Errorf("offset: got %d, want %d", pve.Offset, PacketHeaderSize)
	}
}

func TestTruncatedBody(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:1/1"), MustParseAddress("1:1/2"), "")
	var buf bytes.Buffer
	pw := NewPacketWriter(&buf)
	pw.WriteHeader(hdr)
	pw.WriteMessageEntry(&PackedMessage{DateTime: "x", To: "a", From: "b", Subject: "c", Body: "body"})
	data := buf.Bytes()[:buf.Len()-3] // cut inside the body

	_, _, err := ReadPacket(bytes.NewReader(data))
	if !errors.Is(err, ErrTruncatedMessage) {
		t.Fatalf("expected ErrTruncatedMessage, got %v", err)
	}
}

func TestMissingTerminatorAccepted(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:1/1"), MustParseAddress("1:1/2"), "")
	var buf bytes.Buffer
	pw := NewPacketWriter(&buf)
	pw.WriteHeader(hdr)
	pw.WriteMessageEntry(&PackedMessage{DateTime: "x", To: "a", From: "b", Subject: "c", Body: "body"})

	_, msgs, err := ReadPacket(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(msgs))
	}
}

func TestPacketReaderStreams(t *testing.T) {
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:1/1"), MustParseAddress("1:1/2"), "")
	var buf bytes.Buffer
	msgs := []*PackedMessage{
		{DateTime: "d", To: "t", From: "f", Subject: "one", Body: "1"},
		{DateTime: "d", To: "t", From: "f", Subject: "two", Body: "2"},
	}
	if err := WritePacket(&buf, hdr, msgs); err != nil {
		t.Fatal(err)
	}

	pr, err := NewPacketReader(&buf)
	if err != nil {
		t.Fatalf("NewPacketReader: %v", err)
	}
	first, err := pr.Next()
	if err != nil || first.Subject != "one" {
		t.Fatalf("first: %v %v", first, err)
	}
	second, err := pr.Next()
	if err != nil || second.Subject != "two" {
		t.Fatalf("second: %v %v", second, err)
	}
	if _, err := pr.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if _, err := pr.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after end, got %v", err)
	}
}

func TestReadPacketFileCallbackStops(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.pkt")
	hdr := NewPacketHeader(PacketType2Plus, MustParseAddress("1:1/1"), MustParseAddress("1:1/2"), "")
	var buf bytes.Buffer
	WritePacket(&buf, hdr, []*PackedMessage{
		{DateTime: "d", To: "t", From: "f", Subject: "one", Body: "1"},
		{DateTime: "d", To: "t", From: "f", Subject: "two", Body: "2"},
	})
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	errStop := errors.New("stop")
	seen := 0
	err := ReadPacketFile(path, nil, func(*PackedMessage) error {
		seen++
		return errStop
	})
	if !errors.Is(err, errStop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if seen != 1 {
		t.Errorf("callback ran %d times, want 1", seen)
	}

	rejected := errors.New("reject header")
	err = ReadPacketFile(path, func(*PacketHeader) error { return rejected }, func(*PackedMessage) error {
		t.Error("message callback should not run after header rejection")
		return nil
	})
	if !errors.Is(err, rejected) {
		t.Fatalf("expected header rejection, got %v", err)
	}
}

func TestReadPacketFileSetsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pkt")
	os.WriteFile(path, []byte("garbage"), 0644)

	err := ReadPacketFile(path, nil, nil)
	var pve *PacketValidationError
	if !errors.As(err, &pve) {
		t.Fatalf("expected PacketValidationError, got %v", err)
	}
	if pve.Path != path {
		t.Errorf("Path: got %q, want %q", pve.Path, path)
	}
}
