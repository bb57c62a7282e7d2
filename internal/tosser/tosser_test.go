package tosser

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/file"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/message"
)

// 2026-02-09 is a Monday, so bundles get ".mo?" names.
var testNow = time.Date(2026, 2, 9, 12, 0, 0, 0, time.UTC)

var (
	localAddr = ftn.MustParseAddress("21:3/110")
	hubAddr   = ftn.MustParseAddress("21:1/100")
)

type testEnv struct {
	root   string
	cfg    *config.FTNConfig
	store  *message.Store
	files  *file.FileManager
	tosser *Tosser
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	p := func(parts ...string) string { return filepath.Join(append([]string{root}, parts...)...) }

	cfgJSON := fmt.Sprintf(`{
		"defaultNetwork": "fsxnet",
		"networks": {"fsxnet": {"localAddress": "21:3/110", "origin": "Test Board"}},
		"areas": {"fsx_gen": {"network": "fsxnet", "tag": "FSX_GEN", "uplinks": ["21:1/100", "21:2/200"]}},
		"nodes": {
			"21:1/100": {"archiveType": "zip", "packetPassword": "PW100"},
			"21:2/200": {"exportType": "hold"},
			"21:5/*": {"tic": {"password": "TICPW", "allowReplace": true}}
		},
		"netMail": {
			"areaTag": "private_mail",
			"sysopUserID": 1,
			"aliases": {"The Boss": "sysop"},
			"routes": {"21:9/*": {"address": "21:1/100", "network": "fsxnet"}}
		},
		"fileBase": {"ticAreas": {"FSX_UTIL": {"areaTag": "utils", "hashtags": ["fsxnet"]}}},
		"paths": {"outbound": %q, "inbound": %q, "secureInbound": %q, "temp": %q, "retain": %q}
	}`, p("outbound"), p("inbound"), p("secure"), p("temp"), p("retain"))
	cfg, err := config.ParseFTNConfig([]byte(cfgJSON))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(cfg.Paths.Inbound, 0755))

	store, err := message.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = store.AddUser("sysop", "Sys Op")
	require.NoError(t, err)
	_, err = store.AddUser("joe", "Joe User")
	require.NoError(t, err)

	configDir := p("configs")
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "file_areas.json"),
		[]byte(`[{"id": 1, "tag": "utils", "name": "Utilities", "path": "utils"}]`), 0644))
	files, err := file.NewFileManager(p("files"), configDir)
	require.NoError(t, err)

	hwm, err := LoadHighWaterMark(p("data", "export_hwm.json"))
	require.NoError(t, err)

	tosser, err := New(Options{Config: cfg, Store: store, Files: files, Watermarks: hwm, BoardName: "Test Board"})
	require.NoError(t, err)
	tosser.now = func() time.Time { return testNow }
	require.NoError(t, tosser.Startup(context.Background()))
	t.Cleanup(func() { tosser.Shutdown() })

	return &testEnv{root: root, cfg: cfg, store: store, files: files, tosser: tosser}
}

func (e *testEnv) localPost(t *testing.T, area, subject string) *message.Message {
	t.Helper()
	m := message.New(area)
	m.From = "Sysop"
	m.To = message.MsgToUserAll
	m.Subject = subject
	m.Body = "Posted locally.\n"
	m.Timestamp = testNow.Add(-time.Hour)
	require.NoError(t, e.store.Persist(m))
	return m
}

func (e *testEnv) localNetMail(t *testing.T, to, dest string) *message.Message {
	t.Helper()
	m := message.New(e.cfg.NetMail.AreaTag)
	m.From = "Sysop"
	m.To = to
	m.Subject = "Private to " + dest
	m.Body = "Just between us.\n"
	m.Timestamp = testNow.Add(-time.Hour)
	m.Meta.Set(message.CategorySystem, message.MetaRemoteToUser, dest)
	require.NoError(t, e.store.Persist(m))
	return m
}

func readFlow(t *testing.T, path string) []ftn.FlowEntry {
	t.Helper()
	refs, err := ftn.ReadFlowFile(path)
	require.NoError(t, err, "flow file %s", filepath.Base(path))
	return refs
}

func readPacketFile(t *testing.T, path string) (*ftn.PacketHeader, []*ftn.PackedMessage) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	hdr, msgs, err := ftn.ReadPacket(bytes.NewReader(data))
	require.NoError(t, err)
	return hdr, msgs
}

func writePacket(t *testing.T, path string, hdr *ftn.PacketHeader, msgs ...*ftn.Message) {
	t.Helper()
	var packed []*ftn.PackedMessage
	for _, m := range msgs {
		pm, err := m.Pack()
		require.NoError(t, err)
		packed = append(packed, pm)
	}
	var buf bytes.Buffer
	require.NoError(t, ftn.WritePacket(&buf, hdr, packed))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func hubEcho(msgID, subject string) *ftn.Message {
	return &ftn.Message{
		Properties: ftn.Properties{
			Orig:     hubAddr,
			Dest:     localAddr,
			Area:     "FSX_GEN",
			TearLine: "--- HubTosser",
			Origin:   "The Hub (21:1/100)",
			SeenBy:   []string{"1/100 3/110"},
		},
		Kludges:  ftn.Kludges{MsgID: msgID, Path: []string{"1/100"}},
		DateTime: testNow.Add(-2 * time.Hour),
		To:       "All",
		From:     "Hub Sysop",
		Subject:  subject,
		Text:     "Hello from the hub.\n",
	}
}

func hubNetMail(to string, dest ftn.Address, msgID string) *ftn.Message {
	return &ftn.Message{
		Properties: ftn.Properties{Orig: hubAddr, Dest: dest, Attr: ftn.MsgAttrPrivate},
		Kludges:    ftn.Kludges{MsgID: msgID, Intl: ftn.FormatIntl(dest, hubAddr)},
		DateTime:   testNow.Add(-2 * time.Hour),
		To:         to,
		From:       "Hub Sysop",
		Subject:    "For " + to,
		Text:       "Private note.\n",
	}
}

func TestNewRequiresNetworks(t *testing.T) {
	cfg, err := config.ParseFTNConfig([]byte(`{}`))
	require.NoError(t, err)
	store, err := message.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = New(Options{Config: cfg, Store: store})
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestRunsBeforeStartupFail(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.tosser.Shutdown())

	_, err := env.tosser.Export()
	assert.Error(t, err)
	_, err = env.tosser.Import()
	assert.Error(t, err)
}

func TestOverlappingRunsAreBusy(t *testing.T) {
	env := newTestEnv(t)

	env.tosser.exporting.Store(true)
	_, err := env.tosser.Export()
	assert.ErrorIs(t, err, ErrBusy)
	env.tosser.exporting.Store(false)

	env.tosser.importing.Store(true)
	_, err = env.tosser.Import()
	assert.ErrorIs(t, err, ErrBusy)
	env.tosser.importing.Store(false)

	// Export and import do not block each other.
	env.tosser.importing.Store(true)
	_, err = env.tosser.Export()
	assert.NoError(t, err)
}

func TestRecordHook(t *testing.T) {
	env := newTestEnv(t)
	fired := 0
	env.tosser.OnRecord(func() { fired++ })

	env.tosser.Record(env.localPost(t, "fsx_gen", "Exportable"))
	env.tosser.Record(env.localPost(t, "local_only", "Not an echo"))
	env.tosser.Record(env.localNetMail(t, "Someone", "21:4/158"))

	imported := message.New("fsx_gen")
	imported.Meta.Set(message.CategorySystem, message.MetaStateFlags0, formatStateFlags(message.StateImported))
	env.tosser.Record(imported)

	assert.Equal(t, 2, fired)
}

func TestExportEchoMailToTwoUplinks(t *testing.T) {
	env := newTestEnv(t)
	msg := env.localPost(t, "fsx_gen", "Hello world")

	stats, err := env.tosser.Export()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EchoMail)
	assert.Equal(t, 2, stats.Packets)
	assert.Equal(t, 1, stats.Bundles)
	assert.Zero(t, stats.Failed)

	out := env.cfg.Paths.Outbound

	// 21:1/100 takes zip bundles, crash flavour by default.
	refs := readFlow(t, filepath.Join(out, "00010064.clo"))
	require.Len(t, refs, 1)
	assert.Equal(t, ftn.DirectiveDelete, refs[0].Directive)
	assert.Equal(t, "0002000a.mo0", filepath.Base(refs[0].Path))
	names, err := env.tosser.arc.List(refs[0].Path)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.True(t, ftn.IsPacketName(names[0]), "bundle entry %s", names[0])

	// 21:2/200 takes bare packets on hold.
	refs = readFlow(t, filepath.Join(out, "000200c8.hlo"))
	require.Len(t, refs, 1)
	assert.True(t, ftn.IsPacketName(refs[0].Path))
	hdr, packed := readPacketFile(t, refs[0].Path)
	assert.Equal(t, "21:3/110", hdr.Orig.String())
	assert.Equal(t, "21:2/200", hdr.Dest.String())
	require.Len(t, packed, 1)

	fm, err := ftn.Unpack(packed[0], hdr)
	require.NoError(t, err)
	assert.Equal(t, "FSX_GEN", fm.Area)
	assert.Equal(t, "Hello world", fm.Subject)
	assert.Equal(t, []string{"1/100 2/200 3/110"}, fm.SeenBy)
	assert.Equal(t, []string{"3/110"}, fm.Kludges.Path)
	assert.Equal(t, "Test Board (21:3/110)", fm.Origin)
	assert.Equal(t, ProductID(), fm.Kludges.PID)
	assert.True(t, strings.HasPrefix(fm.Kludges.MsgID, "21:3/110 "), "MSGID %q", fm.Kludges.MsgID)

	stored, err := env.store.LoadByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(message.StateExported), stateFlags(stored.Meta))
	assert.Equal(t, fm.Kludges.MsgID, stored.Meta.Get(message.CategoryFtnKludge, KludgeMsgID))
	assert.Equal(t, msg.ID, env.tosser.hwm.Get("fsxnet", "fsx_gen"))

	// Nothing left to send.
	stats, err = env.tosser.Export()
	require.NoError(t, err)
	assert.Zero(t, stats.EchoMail)
	assert.Len(t, readFlow(t, filepath.Join(out, "000200c8.hlo")), 1)
}

func TestExportSecondRunUsesNextBundleSuffix(t *testing.T) {
	env := newTestEnv(t)
	env.localPost(t, "fsx_gen", "First")
	_, err := env.tosser.Export()
	require.NoError(t, err)
	env.localPost(t, "fsx_gen", "Second")
	_, err = env.tosser.Export()
	require.NoError(t, err)

	refs := readFlow(t, filepath.Join(env.cfg.Paths.Outbound, "00010064.clo"))
	require.Len(t, refs, 2)
	assert.Equal(t, "0002000a.mo0", filepath.Base(refs[0].Path))
	assert.Equal(t, "0002000a.mo1", filepath.Base(refs[1].Path))
}

func TestDeliverRemovesBundleWhenFlowFails(t *testing.T) {
	env := newTestEnv(t)
	outDir := filepath.Join(env.root, "stuck-outbound")
	// A directory where the flow file should go makes the append fail.
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "00010064.clo"), 0755))

	temps, err := writeTempPackets(t.TempDir(), packetSpec{
		Type:   ftn.PacketType2Plus,
		Orig:   localAddr,
		Dest:   hubAddr,
		Serial: 0x200,
	}, packedForTest(t, 2))
	require.NoError(t, err)

	node := config.NodeConfig{ArchiveType: "zip", ExportType: ftn.FlavourCrash}
	refs, err := env.tosser.deliver(outDir, localAddr, hubAddr, node, temps)
	require.Error(t, err)
	assert.Empty(t, refs)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Equal(t, "00010064.clo", e.Name(), "stray file left in outbound")
	}
	for _, p := range temps {
		assert.NoFileExists(t, p)
	}
}

func TestExportNetMailDirect(t *testing.T) {
	env := newTestEnv(t)
	msg := env.localNetMail(t, "Remote Sysop", "21:4/158")

	stats, err := env.tosser.Export()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NetMail)

	refs := readFlow(t, filepath.Join(env.cfg.Paths.Outbound, "0004009e.clo"))
	require.Len(t, refs, 1)
	hdr, packed := readPacketFile(t, refs[0].Path)
	assert.Equal(t, "21:4/158", hdr.Dest.String())
	require.Len(t, packed, 1)

	fm, err := ftn.Unpack(packed[0], hdr)
	require.NoError(t, err)
	assert.Empty(t, fm.Area)
	assert.True(t, fm.IsNetMail())
	assert.Equal(t, "21:4/158 21:3/110", fm.Kludges.Intl)
	assert.Equal(t, "Remote Sysop", fm.To)
	assert.True(t, fm.Dest.Equal(ftn.MustParseAddress("21:4/158")))

	stored, err := env.store.LoadByID(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(message.StateExported), stateFlags(stored.Meta))
}

func TestExportNetMailRouted(t *testing.T) {
	env := newTestEnv(t)
	env.localNetMail(t, "Far Away", "21:9/5.2")

	stats, err := env.tosser.Export()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NetMail)

	// Routed through the hub as a bare packet even though the hub takes bundles.
	refs := readFlow(t, filepath.Join(env.cfg.Paths.Outbound, "00010064.clo"))
	require.Len(t, refs, 1)
	require.True(t, ftn.IsPacketName(refs[0].Path))
	hdr, packed := readPacketFile(t, refs[0].Path)
	assert.Equal(t, "21:1/100", hdr.Dest.String())
	assert.Equal(t, "PW100", hdr.Password)

	fm, err := ftn.Unpack(packed[0], hdr)
	require.NoError(t, err)
	assert.Equal(t, "21:9/5 21:3/110", fm.Kludges.Intl)
	assert.Equal(t, "2", fm.Kludges.Topt)
}

func TestExportNetMailUnresolvableStaysQueued(t *testing.T) {
	env := newTestEnv(t)
	msg := env.localNetMail(t, "Elsewhere", "2:5020/1042")

	stats, err := env.tosser.Export()
	require.NoError(t, err)
	assert.Zero(t, stats.NetMail)
	assert.Equal(t, 1, stats.Failed)

	stored, err := env.store.LoadByID(msg.ID)
	require.NoError(t, err)
	assert.Zero(t, stateFlags(stored.Meta))
}

func TestImportEchoMailIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	hdr := ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100")
	pkt := filepath.Join(env.cfg.Paths.Inbound, "00000001.pkt")

	writePacket(t, pkt, hdr, hubEcho("21:1/100 00000001", "With MSGID"), hubEcho("", "Without MSGID"))
	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Packets)
	assert.Equal(t, 2, stats.AreaSuccess["fsx_gen"])
	assert.NoFileExists(t, pkt)
	assert.FileExists(t, filepath.Join(env.root, "retain", "good", "pkt", "00000001.pkt"))

	msgs, err := env.store.Find(message.Filter{AreaTag: "fsx_gen"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	first := msgs[0]
	assert.Equal(t, uint64(message.StateImported), stateFlags(first.Meta))
	assert.Equal(t, "21:1/100", first.Meta.Get(message.CategorySystem, message.MetaRemoteFromUser))
	assert.Equal(t, "21:1/100 00000001", first.Meta.Get(message.CategoryFtnKludge, KludgeMsgID))
	assert.Equal(t, []string{"1/100 3/110"}, first.Meta.Values(message.CategoryFtnProperty, PropSeenBy))

	// The same packet again: one MSGID hit, one identity collision.
	writePacket(t, pkt, hdr, hubEcho("21:1/100 00000001", "With MSGID"), hubEcho("", "Without MSGID"))
	stats, err = env.tosser.Import()
	require.NoError(t, err)
	assert.Zero(t, stats.Imported())
	assert.Equal(t, 2, stats.Duplicates)
	assert.Zero(t, stats.Failed())

	counts, err := env.store.CountByArea()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["fsx_gen"])

	// Imported mail is never echoed back out.
	exp, err := env.tosser.Export()
	require.NoError(t, err)
	assert.Zero(t, exp.EchoMail)
}

func TestExtraKludgesKeepOrderThroughStore(t *testing.T) {
	env := newTestEnv(t)
	extra := []ftn.Kludge{
		{Name: "SPTH", Value: "21:1/100", Colon: true},
		{Name: "RESCANNED", Value: "21:1/100"},
		{Name: "ACUPDATE", Value: "MODIFY"},
	}

	m := message.New("fsx_gen")
	m.From = "Hub"
	m.To = message.MsgToUserAll
	m.Subject = "Kludge order"
	m.Body = "Body.\n"
	m.Timestamp = testNow
	kludgesToMeta(m.Meta, ftn.Kludges{MsgID: "21:1/100 00000099", Extra: extra})
	require.NoError(t, env.store.Persist(m))

	stored, err := env.store.LoadByID(m.ID)
	require.NoError(t, err)
	assert.Equal(t, extra, kludgesFromMeta(stored.Meta).Extra)
}

func TestImportLinksReplies(t *testing.T) {
	env := newTestEnv(t)
	hdr := ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100")

	parent := hubEcho("21:1/100 0000aaaa", "Question")
	reply := hubEcho("21:1/100 0000bbbb", "Re: Question")
	reply.Kludges.Reply = "21:1/100 0000aaaa"
	orphan := hubEcho("21:1/100 0000cccc", "Re: Lost")
	orphan.Kludges.Reply = "21:1/100 deadbeef"
	writePacket(t, filepath.Join(env.cfg.Paths.Inbound, "00000002.pkt"), hdr, parent, reply, orphan)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AreaSuccess["fsx_gen"])

	msgs, err := env.store.Find(message.Filter{AreaTag: "fsx_gen"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, msgs[0].ID, msgs[1].ReplyToID)
	assert.Zero(t, msgs[2].ReplyToID)
}

func TestImportRejectsNonLocalDestination(t *testing.T) {
	env := newTestEnv(t)
	pkt := filepath.Join(env.cfg.Paths.Inbound, "00000003.pkt")
	writePacket(t, pkt, ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, ftn.MustParseAddress("21:9/999"), "PW100"),
		hubEcho("21:1/100 00000003", "Misrouted"))

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	assert.Zero(t, stats.Packets)
	assert.Zero(t, stats.Imported())

	counts, err := env.store.CountByArea()
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.NoFileExists(t, pkt)
	assert.FileExists(t, filepath.Join(env.root, "retain", "reject", "pkt", "00000003.pkt"))
}

func TestImportRejectsBadPacketPassword(t *testing.T) {
	env := newTestEnv(t)
	writePacket(t, filepath.Join(env.cfg.Paths.Inbound, "00000004.pkt"),
		ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "WRONG"),
		hubEcho("21:1/100 00000004", "Bad password"))

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	assert.Zero(t, stats.Imported())
}

func TestImportRejectsCorruptPacketWhole(t *testing.T) {
	env := newTestEnv(t)
	pkt := filepath.Join(env.cfg.Paths.Inbound, "00000005.pkt")
	writePacket(t, pkt, ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100"),
		hubEcho("21:1/100 00000005", "Good"), hubEcho("21:1/100 00000006", "Cut short"))

	data, err := os.ReadFile(pkt)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(pkt, data[:len(data)-20], 0644))

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rejected)
	counts, err := env.store.CountByArea()
	require.NoError(t, err)
	assert.Zero(t, counts["fsx_gen"], "no message of a bad packet may be stored")
}

func TestImportNetMail(t *testing.T) {
	env := newTestEnv(t)
	hdr := ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100")
	writePacket(t, filepath.Join(env.cfg.Paths.Inbound, "00000007.pkt"), hdr,
		hubNetMail("Joe User", localAddr, "21:1/100 00000010"),
		hubNetMail("The Boss", localAddr, "21:1/100 00000011"),
		hubNetMail("21:3/110", localAddr, "21:1/100 00000012"),
		hubNetMail("Nobody Here", localAddr, "21:1/100 00000013"),
		hubNetMail("Joe User", ftn.MustParseAddress("21:4/158"), "21:1/100 00000014"),
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.AreaSuccess["private_mail"])
	assert.Equal(t, 2, stats.OtherFail)

	msgs, err := env.store.Find(message.Filter{AreaTag: "private_mail"})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	var owners []string
	for _, m := range msgs {
		owners = append(owners, m.Meta.Get(message.CategorySystem, message.MetaLocalToUserID))
		assert.Equal(t, "21:1/100", m.Meta.Get(message.CategorySystem, message.MetaRemoteFromUser))
	}
	assert.Equal(t, []string{"2", "1", "1"}, owners)
}

func TestImportBundle(t *testing.T) {
	env := newTestEnv(t)

	staging := t.TempDir()
	pkt := filepath.Join(staging, "0000abcd.pkt")
	writePacket(t, pkt, ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100"),
		hubEcho("21:1/100 00000020", "Bundled"))
	bundle := filepath.Join(env.cfg.Paths.Inbound, "0002000a.we3")
	require.NoError(t, env.tosser.arc.Compress("zip", bundle, []string{pkt}))

	junk := filepath.Join(env.cfg.Paths.Inbound, "00010064.tu0")
	require.NoError(t, os.WriteFile(junk, []byte("still arriving"), 0644))

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Bundles)
	assert.Equal(t, 1, stats.AreaSuccess["fsx_gen"])
	assert.NoFileExists(t, bundle)
	assert.FileExists(t, filepath.Join(env.root, "retain", "good", "bundle", "0002000a.we3"))
	assert.FileExists(t, junk, "unrecognised files stay in the inbound")
}

func TestImportBundleWithoutPackets(t *testing.T) {
	env := newTestEnv(t)

	staging := t.TempDir()
	readme := filepath.Join(staging, "readme.txt")
	require.NoError(t, os.WriteFile(readme, []byte("no mail here"), 0644))
	bundle := filepath.Join(env.cfg.Paths.Inbound, "0002000a.th1")
	require.NoError(t, env.tosser.arc.Compress("zip", bundle, []string{readme}))

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Bundles)
	assert.Equal(t, 1, stats.Rejected)
	assert.NoFileExists(t, bundle)
	assert.FileExists(t, filepath.Join(env.root, "retain", "reject", "bundle", "0002000a.th1"))
}

func writeTic(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Join(lines, "\r\n")+"\r\n"), 0644))
	return p
}

func TestImportTicReplaces(t *testing.T) {
	env := newTestEnv(t)

	dir, err := env.files.StoragePath("utils", "")
	require.NoError(t, err)
	oldPath := filepath.Join(dir, "COOLUTIL.ZIP")
	require.NoError(t, os.WriteFile(oldPath, []byte("old version"), 0644))
	old := file.FileRecord{
		AreaID:      1,
		Filename:    "COOLUTIL.ZIP",
		Description: "Old version",
		Meta:        map[string]string{file.MetaTicOrigin: "21:5/1"},
	}
	require.NoError(t, env.files.PersistFile(&old))

	body := []byte("new version contents")
	attachment := filepath.Join(env.cfg.Paths.Inbound, "COOL2.ZIP")
	require.NoError(t, os.WriteFile(attachment, body, 0644))
	tic := writeTic(t, env.cfg.Paths.Inbound, "abc00001.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File COOL2.ZIP",
		fmt.Sprintf("Size %d", len(body)),
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Desc New version",
		"Replaces COOLUTIL.*",
		"Pw TICPW",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TicSuccess)
	assert.Zero(t, stats.TicFail)

	recs := env.files.GetFilesForArea(1)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, old.ID, rec.ID)
	assert.Equal(t, "COOL2.ZIP", rec.Filename)
	assert.Equal(t, "New version", rec.Description)
	assert.Equal(t, int64(len(body)), rec.Size)
	assert.Equal(t, []string{"fsxnet"}, rec.Hashtags)
	assert.Equal(t, "21:5/1", rec.Meta[file.MetaTicOrigin])
	assert.Equal(t, "TIC", rec.UploadedBy)

	assert.NoFileExists(t, oldPath)
	got, err := os.ReadFile(filepath.Join(dir, "COOL2.ZIP"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.NoFileExists(t, tic)
	assert.NoFileExists(t, attachment)
}

func TestImportTicNameCollision(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.files.StoragePath("utils", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "NEWFILE.ZIP"), []byte("someone else's"), 0644))

	body := []byte("fresh file")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.Inbound, "NEWFILE.ZIP"), body, 0644))
	writeTic(t, env.cfg.Paths.Inbound, "abc00002.tic",
		"Area utils",
		"Origin 21:5/1",
		"From 21:5/1",
		"File NEWFILE.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Pw TICPW",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TicSuccess)

	recs := env.files.GetFilesForArea(1)
	require.Len(t, recs, 1)
	assert.Equal(t, "NEWFILE-1.ZIP", recs[0].Filename)
	assert.Equal(t, "NEWFILE", recs[0].Description)
}

func TestImportTicReplaceKeepsUnrelatedFile(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.files.StoragePath("utils", "")
	require.NoError(t, err)

	oldPath := filepath.Join(dir, "COOLUTIL.ZIP")
	require.NoError(t, os.WriteFile(oldPath, []byte("old version"), 0644))
	old := file.FileRecord{AreaID: 1, Filename: "COOLUTIL.ZIP", Meta: map[string]string{file.MetaTicOrigin: "21:5/1"}}
	require.NoError(t, env.files.PersistFile(&old))

	otherPath := filepath.Join(dir, "COOL2.ZIP")
	require.NoError(t, os.WriteFile(otherPath, []byte("unrelated upload"), 0644))
	other := file.FileRecord{AreaID: 1, Filename: "COOL2.ZIP", Description: "Somebody else's"}
	require.NoError(t, env.files.PersistFile(&other))

	body := []byte("new version contents")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.Inbound, "COOL2.ZIP"), body, 0644))
	writeTic(t, env.cfg.Paths.Inbound, "abc00005.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File COOL2.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Replaces COOLUTIL.*",
		"Pw TICPW",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TicSuccess)

	got, err := os.ReadFile(otherPath)
	require.NoError(t, err)
	assert.Equal(t, "unrelated upload", string(got))

	replaced, err := env.files.LoadFile(old.ID)
	require.NoError(t, err)
	assert.Equal(t, "COOL2-1.ZIP", replaced.Filename)
	got, err = os.ReadFile(filepath.Join(dir, "COOL2-1.ZIP"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.NoFileExists(t, oldPath)

	kept, err := env.files.LoadFile(other.ID)
	require.NoError(t, err)
	assert.Equal(t, "COOL2.ZIP", kept.Filename)
}

func TestImportTicReplaceSameNameInPlace(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.files.StoragePath("utils", "")
	require.NoError(t, err)

	oldPath := filepath.Join(dir, "COOLUTIL.ZIP")
	require.NoError(t, os.WriteFile(oldPath, []byte("old version"), 0644))
	old := file.FileRecord{AreaID: 1, Filename: "COOLUTIL.ZIP", Meta: map[string]string{file.MetaTicOrigin: "21:5/1"}}
	require.NoError(t, env.files.PersistFile(&old))

	body := []byte("v2")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.Inbound, "COOLUTIL.ZIP"), body, 0644))
	writeTic(t, env.cfg.Paths.Inbound, "abc00006.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File COOLUTIL.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Replaces COOLUTIL.ZIP",
		"Pw TICPW",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	require.Equal(t, 1, stats.TicSuccess)

	recs := env.files.GetFilesForArea(1)
	require.Len(t, recs, 1)
	assert.Equal(t, old.ID, recs[0].ID)
	assert.Equal(t, "COOLUTIL.ZIP", recs[0].Filename)
	got, err := os.ReadFile(oldPath)
	require.NoError(t, err)
	assert.Equal(t, body, got)
	assert.NoFileExists(t, filepath.Join(dir, "COOLUTIL-1.ZIP"))
}

func TestImportTicRejects(t *testing.T) {
	env := newTestEnv(t)
	body := []byte("payload")
	attachment := filepath.Join(env.cfg.Paths.Inbound, "THING.ZIP")
	require.NoError(t, os.WriteFile(attachment, body, 0644))
	tic := writeTic(t, env.cfg.Paths.Inbound, "abc00003.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File THING.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Pw WRONG",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TicFail)
	assert.Empty(t, env.files.GetFilesForArea(1))

	assert.NoFileExists(t, tic)
	assert.NoFileExists(t, attachment)
	assert.FileExists(t, filepath.Join(env.root, "retain", "reject", "tic", "abc00003.tic"))
	assert.FileExists(t, filepath.Join(env.root, "retain", "reject", "tic", "THING.ZIP"))
}

func TestImportTicAmbiguousReplaces(t *testing.T) {
	env := newTestEnv(t)
	dir, err := env.files.StoragePath("utils", "")
	require.NoError(t, err)
	for _, name := range []string{"TOOL1.ZIP", "TOOL2.ZIP"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
		rec := file.FileRecord{AreaID: 1, Filename: name, Meta: map[string]string{file.MetaTicOrigin: "21:5/1"}}
		require.NoError(t, env.files.PersistFile(&rec))
	}

	body := []byte("tool 3")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.Inbound, "TOOL3.ZIP"), body, 0644))
	writeTic(t, env.cfg.Paths.Inbound, "abc00004.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File TOOL3.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Replaces TOOL*.ZIP",
		"Pw TICPW",
	)

	stats, err := env.tosser.Import()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TicFail)
	assert.Len(t, env.files.GetFilesForArea(1), 2)
}

func TestImportTicsLeavesPackets(t *testing.T) {
	env := newTestEnv(t)
	pkt := filepath.Join(env.cfg.Paths.Inbound, "00000009.pkt")
	writePacket(t, pkt, ftn.NewPacketHeader(ftn.PacketType2Plus, hubAddr, localAddr, "PW100"),
		hubEcho("21:1/100 00000009", "Later"))

	body := []byte("only the file")
	require.NoError(t, os.WriteFile(filepath.Join(env.cfg.Paths.Inbound, "ONLY.ZIP"), body, 0644))
	writeTic(t, env.cfg.Paths.Inbound, "abc00005.tic",
		"Area FSX_UTIL",
		"Origin 21:5/1",
		"From 21:5/1",
		"File ONLY.ZIP",
		fmt.Sprintf("Crc %08X", crc32.ChecksumIEEE(body)),
		"Pw ticpw",
	)

	stats, err := env.tosser.ImportTics()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TicSuccess)
	assert.Zero(t, stats.Packets)
	assert.FileExists(t, pkt)
	assert.Len(t, env.files.GetFilesForArea(1), 1)
}
