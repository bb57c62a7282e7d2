package tosser

import (
	"fmt"
	"log"
	"strings"

	"github.com/stlalpha/v3mail/internal/config"
	"github.com/stlalpha/v3mail/internal/ftn"
	"github.com/stlalpha/v3mail/internal/message"
)

// NetMailRoute is where a NetMail message is sent.
type NetMailRoute struct {
	Dest    ftn.Address // final destination
	Via     ftn.Address // node the packet is addressed to
	Network *config.NetworkConfig
}

// ResolveNetMailRoute picks the route for dest: an explicit route entry,
// else direct to dest on the network whose local address shares its zone.
func (t *Tosser) ResolveNetMailRoute(dest ftn.Address) (NetMailRoute, error) {
	if r, ok := t.cfg.NetMailRouteFor(dest); ok {
		net, ok := t.cfg.Network(r.Network)
		if !ok {
			return NetMailRoute{}, &AddressResolutionError{Addr: dest, Reason: fmt.Sprintf("route %s names unknown network %q", r.Pattern, r.Network)}
		}
		return NetMailRoute{Dest: dest, Via: r.RouteAddr, Network: net}, nil
	}
	net, ok := t.cfg.NetworkForZone(dest)
	if !ok {
		return NetMailRoute{}, &AddressResolutionError{Addr: dest, Reason: "no network serves this zone"}
	}
	return NetMailRoute{Dest: dest, Via: dest, Network: net}, nil
}

// exportNetMail sends every pending outbound NetMail message.
func (t *Tosser) exportNetMail(stats *ExportStats) {
	msgs, err := t.store.Find(message.Filter{
		AreaTag:     t.cfg.NetMail.AreaTag,
		WithMeta:    []message.MetaKey{{Category: message.CategorySystem, Name: message.MetaRemoteToUser}},
		WithoutMeta: []message.MetaKey{{Category: message.CategorySystem, Name: message.MetaStateFlags0}},
	})
	if err != nil {
		log.Printf("ERROR: Export: select NetMail: %v", err)
		return
	}
	for _, msg := range msgs {
		if err := t.exportNetMailMessage(msg, stats); err != nil {
			stats.Failed++
			logExportError(fmt.Sprintf("NetMail %d", msg.ID), err)
			continue
		}
		stats.NetMail++
	}
}

func (t *Tosser) exportNetMailMessage(msg *message.Message, stats *ExportStats) error {
	exportDir, _, err := t.tempDirs()
	if err != nil {
		return err
	}
	raw := strings.TrimSpace(msg.Meta.Get(message.CategorySystem, message.MetaRemoteToUser))
	dest, err := ftn.ParseAddress(raw)
	if err != nil {
		return &ConfigurationError{Unit: fmt.Sprintf("NetMail %d", msg.ID), Reason: "bad destination address", Err: err}
	}

	route, err := t.ResolveNetMailRoute(dest)
	if err != nil {
		return err
	}
	fm, err := t.prepareNetMail(msg, route.Network, dest)
	if err != nil {
		return err
	}

	node, matched := t.cfg.NodeConfigFor(route.Via)
	pm, err := t.packFor(fm, route.Via, node, matched)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	temps, err := writeTempPackets(exportDir, packetSpec{
		Type:     node.PacketType,
		Orig:     route.Network.Address,
		Dest:     route.Via,
		Password: node.PacketPassword,
		FileCase: node.FileCase,
		Serial:   ftn.MessageSerial(msg.ID, t.now()),
	}, []*ftn.PackedMessage{pm})
	if err != nil {
		return err
	}

	// NetMail always travels as a bare packet.
	bare := node
	bare.ArchiveType = ""
	refs, err := t.deliver(t.outboundDir(route.Network.Name, route.Via), route.Network.Address, route.Via, bare, temps)
	if err != nil {
		return err
	}
	stats.Packets += len(refs)

	flags := stateFlags(msg.Meta) | message.StateExported
	if err := t.store.PersistMetaValue(msg.ID, message.CategorySystem, message.MetaStateFlags0, formatStateFlags(flags)); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	msg.Meta.Set(message.CategorySystem, message.MetaStateFlags0, formatStateFlags(flags))

	if route.Via.Equal(dest) {
		log.Printf("INFO: Export: NetMail %d to %s@%s sent direct", msg.ID, fm.To, dest)
	} else {
		log.Printf("INFO: Export: NetMail %d to %s@%s routed via %s", msg.ID, fm.To, dest, route.Via)
	}
	return nil
}
