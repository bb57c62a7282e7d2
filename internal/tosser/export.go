package tosser

import (
	"errors"
	"fmt"
	"log"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/message"
)

// ExportStats holds the results of an export run.
type ExportStats struct {
	EchoMail    int // messages exported to every uplink
	NetMail     int
	Packets     int
	Bundles     int
	FailedAreas int
	Failed      int // messages left for retry
}

// Export runs one export pass: EchoMail for every configured area, then
// NetMail. Per-area and per-message failures are logged and skipped.
func (t *Tosser) Export() (ExportStats, error) {
	var stats ExportStats
	if !t.exporting.CompareAndSwap(false, true) {
		return stats, ErrBusy
	}
	defer t.exporting.Store(false)

	if _, _, err := t.tempDirs(); err != nil {
		return stats, err
	}

	for _, tag := range t.cfg.AreaTags() {
		if err := t.exportArea(t.cfg.Areas[tag], &stats); err != nil {
			stats.FailedAreas++
			logExportError("area "+tag, err)
		}
	}
	t.exportNetMail(&stats)

	if err := t.hwm.Save(); err != nil {
		log.Printf("ERROR: Export: failed to save watermarks: %v", err)
	}
	if stats.EchoMail > 0 || stats.NetMail > 0 || stats.Failed > 0 {
		log.Printf("INFO: Export: echomail=%d netmail=%d packets=%d bundles=%d failed=%d",
			stats.EchoMail, stats.NetMail, stats.Packets, stats.Bundles, stats.Failed)
	}
	return stats, nil
}

func logExportError(unit string, err error) {
	var cfgErr *ConfigurationError
	var addrErr *AddressResolutionError
	switch {
	case errors.As(err, &cfgErr):
		log.Printf("WARN: Export: %s skipped: %v", unit, err)
	case errors.As(err, &addrErr):
		log.Printf("WARN: Export: %s deferred: %v", unit, err)
	default:
		log.Printf("ERROR: Export: %s: %v", unit, err)
	}
}

// exportArea exports the pending messages of one area to all its uplinks.
// State advances only when every uplink succeeded.
func (t *Tosser) exportArea(area *config.AreaConfig, stats *ExportStats) error {
	net, ok := t.cfg.Network(area.Network)
	if !ok {
		return &ConfigurationError{Unit: "area " + area.LocalTag, Reason: fmt.Sprintf("unknown network %q", area.Network)}
	}
	if len(area.UplinkAddresses) == 0 {
		return &ConfigurationError{Unit: "area " + area.LocalTag, Reason: "no uplinks"}
	}

	msgs, err := t.store.Find(message.Filter{
		AreaTag:     area.LocalTag,
		NewerThanID: t.hwm.Get(net.Name, area.LocalTag),
		WithoutMeta: []message.MetaKey{{Category: message.CategorySystem, Name: message.MetaStateFlags0}},
	})
	if err != nil {
		return fmt.Errorf("select messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var (
		ready    []*message.Message
		prepared []*ftn.Message
		failedAt int64
	)
	for _, msg := range msgs {
		fm, err := t.prepareEchoMail(msg, area, net)
		if err != nil {
			log.Printf("ERROR: Export: prepare message %d in %s: %v", msg.ID, area.LocalTag, err)
			stats.Failed++
			if failedAt == 0 {
				failedAt = msg.ID
			}
			continue
		}
		ready = append(ready, msg)
		prepared = append(prepared, fm)
	}
	if len(ready) == 0 {
		return nil
	}

	allOK := true
	for _, uplink := range area.UplinkAddresses {
		if err := t.exportToUplink(net, uplink, ready, prepared, stats); err != nil {
			allOK = false
			logExportError(fmt.Sprintf("area %s uplink %s", area.LocalTag, uplink), err)
		}
	}
	if !allOK {
		stats.Failed += len(ready)
		return nil
	}

	var high int64
	for _, msg := range ready {
		flags := stateFlags(msg.Meta) | message.StateExported
		if err := t.store.PersistMetaValue(msg.ID, message.CategorySystem, message.MetaStateFlags0, formatStateFlags(flags)); err != nil {
			log.Printf("ERROR: Export: mark message %d exported: %v", msg.ID, err)
			continue
		}
		msg.Meta.Set(message.CategorySystem, message.MetaStateFlags0, formatStateFlags(flags))
		if msg.ID > high && (failedAt == 0 || msg.ID < failedAt) {
			high = msg.ID
		}
	}
	if high > 0 {
		t.hwm.Set(net.Name, area.LocalTag, high)
	}
	stats.EchoMail += len(ready)
	log.Printf("INFO: Export: %d message(s) from %s to %d uplink(s)", len(ready), area.LocalTag, len(area.UplinkAddresses))
	return nil
}

// exportToUplink packs the prepared messages for one uplink and queues
// them in its outbound.
func (t *Tosser) exportToUplink(net *config.NetworkConfig, uplink ftn.Address, msgs []*message.Message, prepared []*ftn.Message, stats *ExportStats) error {
	exportDir, _, err := t.tempDirs()
	if err != nil {
		return err
	}
	node, matched := t.cfg.NodeConfigFor(uplink)

	packed := make([]*ftn.PackedMessage, 0, len(prepared))
	for i, fm := range prepared {
		pm, err := t.packFor(fm, uplink, node, matched)
		if err != nil {
			return fmt.Errorf("pack message %d: %w", msgs[i].ID, err)
		}
		packed = append(packed, pm)
	}

	temps, err := writeTempPackets(exportDir, packetSpec{
		Type:     node.PacketType,
		Orig:     net.Address,
		Dest:     uplink,
		Password: node.PacketPassword,
		FileCase: node.FileCase,
		Serial:   ftn.MessageSerial(msgs[0].ID, t.now()),
		Target:   t.cfg.PacketTargetByteSize,
	}, packed)
	if err != nil {
		return err
	}

	refs, err := t.deliver(t.outboundDir(net.Name, uplink), net.Address, uplink, node, temps)
	if err != nil {
		return err
	}
	stats.Packets += len(temps)
	if node.ArchiveType != "" {
		stats.Bundles += len(refs)
	}
	return nil
}
