package tosser

import (
	"strconv"

	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/message"
)

// FtnProperty meta names.
const (
	PropOrig     = "ftn_orig"
	PropDest     = "ftn_dest"
	PropAttr     = "ftn_attr_flags"
	PropCost     = "ftn_cost"
	PropArea     = "ftn_area"
	PropTearLine = "ftn_tear_line"
	PropOrigin   = "ftn_origin"
	PropSeenBy   = "ftn_seen_by"
)

// FtnKludge meta names for the kludges with a typed field.
const (
	KludgeMsgID = "MSGID"
	KludgeReply = "REPLY"
	KludgeIntl  = "INTL"
	KludgeFmpt  = "FMPT"
	KludgeTopt  = "TOPT"
	KludgeTzUTC = "TZUTC"
	KludgePID   = "PID"
	KludgeTID   = "TID"
	KludgeChrs  = "CHRS"
	KludgeFlags = "FLAGS"
	KludgePath  = "PATH"
	KludgeVia   = "Via"

	// KludgeExtra holds every untyped kludge as its full line, in wire order.
	KludgeExtra = "_extra"
)

// kludgesFromMeta rebuilds the typed kludges of a stored message.
func kludgesFromMeta(meta message.Meta) ftn.Kludges {
	get := func(name string) string { return meta.Get(message.CategoryFtnKludge, name) }
	k := ftn.Kludges{
		MsgID: get(KludgeMsgID),
		Reply: get(KludgeReply),
		Intl:  get(KludgeIntl),
		Fmpt:  get(KludgeFmpt),
		Topt:  get(KludgeTopt),
		TzUTC: get(KludgeTzUTC),
		PID:   get(KludgePID),
		TID:   get(KludgeTID),
		Chrs:  get(KludgeChrs),
		Flags: get(KludgeFlags),
		Path:  meta.Values(message.CategoryFtnKludge, KludgePath),
		Via:   meta.Values(message.CategoryFtnKludge, KludgeVia),
	}

	for _, line := range meta.Values(message.CategoryFtnKludge, KludgeExtra) {
		k.Extra = append(k.Extra, ftn.ParseKludge(line))
	}
	return k
}

// kludgesToMeta stores k under FtnKludge, replacing what was there.
func kludgesToMeta(meta message.Meta, k ftn.Kludges) {
	delete(meta, message.CategoryFtnKludge)
	set := func(name, value string) {
		if value != "" {
			meta.Set(message.CategoryFtnKludge, name, value)
		}
	}
	set(KludgeMsgID, k.MsgID)
	set(KludgeReply, k.Reply)
	set(KludgeIntl, k.Intl)
	set(KludgeFmpt, k.Fmpt)
	set(KludgeTopt, k.Topt)
	set(KludgeTzUTC, k.TzUTC)
	set(KludgePID, k.PID)
	set(KludgeTID, k.TID)
	set(KludgeChrs, k.Chrs)
	set(KludgeFlags, k.Flags)
	meta.Set(message.CategoryFtnKludge, KludgePath, k.Path...)
	meta.Set(message.CategoryFtnKludge, KludgeVia, k.Via...)
	for _, e := range k.Extra {
		meta.Add(message.CategoryFtnKludge, KludgeExtra, e.String())
	}
}

// propertiesFromMeta reads the FtnProperty category. Unparseable addresses
// are left zero.
func propertiesFromMeta(meta message.Meta) ftn.Properties {
	get := func(name string) string { return meta.Get(message.CategoryFtnProperty, name) }
	var p ftn.Properties
	if a, err := ftn.ParseAddress(get(PropOrig)); err == nil {
		p.Orig = a
	}
	if a, err := ftn.ParseAddress(get(PropDest)); err == nil {
		p.Dest = a
	}
	if v, err := strconv.ParseUint(get(PropAttr), 10, 16); err == nil {
		p.Attr = uint16(v)
	}
	if v, err := strconv.ParseUint(get(PropCost), 10, 16); err == nil {
		p.Cost = uint16(v)
	}
	p.Area = get(PropArea)
	p.TearLine = get(PropTearLine)
	p.Origin = get(PropOrigin)
	p.SeenBy = meta.Values(message.CategoryFtnProperty, PropSeenBy)
	return p
}

// propertiesToMeta stores p under FtnProperty, replacing what was there.
func propertiesToMeta(meta message.Meta, p ftn.Properties) {
	delete(meta, message.CategoryFtnProperty)
	set := func(name, value string) {
		if value != "" {
			meta.Set(message.CategoryFtnProperty, name, value)
		}
	}
	if p.Orig.IsValid() && p.Orig != (ftn.Address{}) {
		set(PropOrig, p.Orig.String())
	}
	if p.Dest.IsValid() && p.Dest != (ftn.Address{}) {
		set(PropDest, p.Dest.String())
	}
	set(PropAttr, strconv.FormatUint(uint64(p.Attr), 10))
	if p.Cost != 0 {
		set(PropCost, strconv.FormatUint(uint64(p.Cost), 10))
	}
	set(PropArea, p.Area)
	set(PropTearLine, p.TearLine)
	set(PropOrigin, p.Origin)
	meta.Set(message.CategoryFtnProperty, PropSeenBy, p.SeenBy...)
}

// stateFlags returns System/state_flags0, or 0.
func stateFlags(meta message.Meta) uint64 {
	v, _ := strconv.ParseUint(meta.Get(message.CategorySystem, message.MetaStateFlags0), 10, 32)
	return v
}

func formatStateFlags(v uint64) string {
	return strconv.FormatUint(v, 10)
}
