package tosser

import (
	"fmt"
	"log"
	"strconv"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/logging"
	"github.com/stlalpha/v3mail/internal/message"
)

// toFTN builds the wire-side view of a stored message from its meta.
func toFTN(msg *message.Message) *ftn.Message {
	fm := &ftn.Message{
		Properties: propertiesFromMeta(msg.Meta),
		Kludges:    kludgesFromMeta(msg.Meta),
		DateTime:   msg.Timestamp,
		To:         msg.To,
		From:       msg.From,
		Subject:    msg.Subject,
		Text:       msg.Body,
	}
	if fm.To == "" {
		fm.To = message.MsgToUserAll
	}
	return fm
}

// ensureMsgID assigns a MSGID on first export and persists it before any
// packet is written, so a retried export reuses it.
func (t *Tosser) ensureMsgID(msg *message.Message, fm *ftn.Message, origin ftn.Address) error {
	if fm.Kludges.MsgID != "" {
		return nil
	}
	id := fmt.Sprintf("%s %08x", origin.String(), ftn.MessageSerial(msg.ID, t.now()))
	if err := t.store.PersistMetaValue(msg.ID, message.CategoryFtnKludge, KludgeMsgID, id); err != nil {
		return fmt.Errorf("persist MSGID for %d: %w", msg.ID, err)
	}
	msg.Meta.Set(message.CategoryFtnKludge, KludgeMsgID, id)
	fm.Kludges.MsgID = id
	logging.Debug("Assigned MSGID %q to message %d", id, msg.ID)
	return nil
}

// resolveReply fills REPLY from the parent's MSGID.
func (t *Tosser) resolveReply(msg *message.Message, fm *ftn.Message) {
	if fm.Kludges.Reply != "" || msg.ReplyToID == 0 {
		return
	}
	vals, err := t.store.GetMetaValues(msg.ReplyToID, message.CategoryFtnKludge, KludgeMsgID)
	if err != nil {
		log.Printf("WARN: Cannot load parent MSGID for message %d: %v", msg.ID, err)
		return
	}
	if len(vals) > 0 {
		fm.Kludges.Reply = vals[0]
	}
}

func (t *Tosser) originLine(net *config.NetworkConfig) string {
	text := net.Origin
	if text == "" {
		text = t.board
	}
	return fmt.Sprintf("%s (%s)", text, net.Address.String())
}

func (t *Tosser) tearLine(net *config.NetworkConfig) string {
	if net.TearLine != "" {
		return "--- " + net.TearLine
	}
	return "--- " + ProductID()
}

// prepareEchoMail turns a local message into an EchoMail message for area.
// The result carries no destination or charset; those are per uplink.
func (t *Tosser) prepareEchoMail(msg *message.Message, area *config.AreaConfig, net *config.NetworkConfig) (*ftn.Message, error) {
	fm := toFTN(msg)
	fm.Area = area.Tag
	fm.Orig = net.Address
	fm.Attr = ftn.MsgAttrLocal

	if err := t.ensureMsgID(msg, fm, net.Address); err != nil {
		return nil, err
	}
	t.resolveReply(msg, fm)
	t.stampKludges(msg, fm)

	if fm.TearLine == "" {
		fm.TearLine = t.tearLine(net)
	}
	if fm.Origin == "" {
		fm.Origin = t.originLine(net)
	}

	seen := []ftn.Address{net.Address}
	for _, u := range area.UplinkAddresses {
		if u.Zone == net.Address.Zone {
			seen = append(seen, u)
		}
	}
	fm.SeenBy = MergeSeenBy(fm.SeenBy, seen...)
	fm.Kludges.Path = AppendPath(fm.Kludges.Path, net.Address)
	return fm, nil
}

// prepareNetMail addresses a local NetMail message from net to dest.
func (t *Tosser) prepareNetMail(msg *message.Message, net *config.NetworkConfig, dest ftn.Address) (*ftn.Message, error) {
	fm := toFTN(msg)
	fm.Area = ""
	fm.Orig = net.Address
	fm.Dest = dest
	fm.Attr = ftn.MsgAttrPrivate | ftn.MsgAttrLocal
	if msg.To == "" {
		fm.To = "SysOp"
	}

	fm.Kludges.Intl = ftn.FormatIntl(dest, net.Address)
	fm.Kludges.Fmpt, fm.Kludges.Topt = "", ""
	if net.Address.Point != 0 {
		fm.Kludges.Fmpt = strconv.Itoa(net.Address.Point)
	}
	if dest.Point != 0 {
		fm.Kludges.Topt = strconv.Itoa(dest.Point)
	}

	if err := t.ensureMsgID(msg, fm, net.Address); err != nil {
		return nil, err
	}
	t.resolveReply(msg, fm)
	t.stampKludges(msg, fm)
	if fm.TearLine == "" {
		fm.TearLine = t.tearLine(net)
	}
	return fm, nil
}

func (t *Tosser) stampKludges(msg *message.Message, fm *ftn.Message) {
	if fm.Kludges.TzUTC == "" {
		fm.Kludges.TzUTC = ftn.FormatTzUTC(msg.Timestamp)
	}
	if fm.Kludges.PID == "" {
		fm.Kludges.PID = ProductID()
	}
	fm.Kludges.TID = ProductID()
}

// packFor encodes a prepared message for one destination node.
func (t *Tosser) packFor(fm *ftn.Message, dest ftn.Address, node config.NodeConfig, matched bool) (*ftn.PackedMessage, error) {
	m := *fm
	if m.Area != "" {
		m.Dest = dest
	}
	enc := t.encodingFor(node, matched, fm.Kludges.Chrs)
	m.Kludges.Chrs = ftn.CHRSValue(enc)
	return m.Pack()
}
