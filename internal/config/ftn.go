package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/stlalpha/v3mail/internal/ftn"
)

// Defaults applied by ApplyDefaults and NodeConfigFor.
const (
	DefaultPacketTargetByteSize = 512000
	DefaultPacketMsgEncoding    = "utf-8"
	DefaultPacketType           = ftn.PacketType2Plus
	DefaultExportType           = ftn.FlavourCrash
	DefaultDescPriority         = "diz"
	DefaultUploadBy             = "TIC"
)

// NetworkConfig holds settings for a single FTN network (e.g., FSXNet, FidoNet).
type NetworkConfig struct {
	LocalAddress string `json:"localAddress"` // e.g., "21:3/110"
	DefaultZone  int    `json:"defaultZone"`
	Origin       string `json:"origin,omitempty"`   // origin line text; board name when empty
	TearLine     string `json:"tearLine,omitempty"` // custom tearline text (optional)

	Name    string      `json:"-"`
	Address ftn.Address `json:"-"`
}

// AreaConfig maps a local message area to an FTN echo. Keyed by local tag.
type AreaConfig struct {
	Network    string   `json:"network"`
	Tag        string   `json:"tag"` // FTN echo tag, e.g. "FSX_GEN"
	Uplinks    []string `json:"uplinks"`
	AllowDupes bool     `json:"allowDupes,omitempty"`

	LocalTag        string        `json:"-"`
	UplinkAddresses []ftn.Address `json:"-"`
}

// TicPolicy controls TIC processing for a node or globally. Nil pointers
// fall through to the next level.
type TicPolicy struct {
	Password     string   `json:"password,omitempty"`
	AllowReplace *bool    `json:"allowReplace,omitempty"`
	DescPriority string   `json:"descPriority,omitempty"` // "tic" or "diz"
	Hashtags     []string `json:"hashtags,omitempty"`
	UploadBy     string   `json:"uploadBy,omitempty"`
}

// NodeConfig holds per-link settings, keyed by address pattern.
type NodeConfig struct {
	PacketType      string    `json:"packetType,omitempty"` // "2", "2.2", "2+"
	PacketPassword  string    `json:"packetPassword,omitempty"`
	SessionPassword string    `json:"sessionPassword,omitempty"`
	ArchiveType     string    `json:"archiveType,omitempty"` // archiver id; empty sends bare packets
	ExportType      string    `json:"exportType,omitempty"`  // crash, hold, normal, direct
	Encoding        string    `json:"encoding,omitempty"`
	FileCase        string    `json:"fileCase,omitempty"` // lower or upper
	Tic             TicPolicy `json:"tic,omitempty"`

	Pattern string      `json:"-"`
	pattern ftn.Pattern
}

// NetMailRoute sends matching destinations via a fixed address.
type NetMailRoute struct {
	Address string `json:"address"`
	Network string `json:"network"`

	Pattern     string      `json:"-"`
	RouteAddr   ftn.Address `json:"-"`
	destPattern ftn.Pattern
}

// NetMailConfig configures the private mailbox and routing.
type NetMailConfig struct {
	AreaTag     string                   `json:"areaTag"`
	Routes      map[string]*NetMailRoute `json:"routes,omitempty"`
	Aliases     map[string]string        `json:"aliases,omitempty"` // FTN name -> local username
	SysopUserID int64                    `json:"sysopUserID,omitempty"`
}

// TicAreaConfig maps a TIC AREA tag to a local file area.
type TicAreaConfig struct {
	AreaTag    string   `json:"areaTag"`
	StorageTag string   `json:"storageTag,omitempty"`
	Hashtags   []string `json:"hashtags,omitempty"`
}

// FileBaseConfig holds TIC import settings.
type FileBaseConfig struct {
	TicAreas map[string]*TicAreaConfig `json:"ticAreas,omitempty"`
	Tic      TicPolicy                 `json:"tic"`
}

// PathsConfig holds the BSO and staging directories.
type PathsConfig struct {
	Outbound      string `json:"outbound"`
	Inbound       string `json:"inbound"`
	SecureInbound string `json:"secureInbound"`
	Temp          string `json:"temp"`
	Retain        string `json:"retain,omitempty"` // good/reject audit copies; disabled when empty
}

// ScheduleConfig holds schedule strings per direction.
type ScheduleConfig struct {
	Export string `json:"export,omitempty"`
	Import string `json:"import,omitempty"`
}

// FTNConfig holds all FTN settings. Loaded from configs/ftn.json.
type FTNConfig struct {
	DefaultNetwork       string                    `json:"defaultNetwork,omitempty"`
	Networks             map[string]*NetworkConfig `json:"networks"`
	Areas                map[string]*AreaConfig    `json:"areas"`
	Nodes                map[string]*NodeConfig    `json:"nodes"`
	NetMail              NetMailConfig             `json:"netMail"`
	FileBase             FileBaseConfig            `json:"fileBase"`
	Paths                PathsConfig               `json:"paths"`
	PacketTargetByteSize int                       `json:"packetTargetByteSize,omitempty"`
	PacketMsgEncoding    string                    `json:"packetMsgEncoding,omitempty"`
	Schedule             ScheduleConfig            `json:"schedule"`

	nodeOrder  []*NodeConfig
	routeOrder []*NetMailRoute
}

// ApplyDefaults fills unset values.
func (c *FTNConfig) ApplyDefaults() {
	if c.Networks == nil {
		c.Networks = make(map[string]*NetworkConfig)
	}
	if c.Areas == nil {
		c.Areas = make(map[string]*AreaConfig)
	}
	if c.Nodes == nil {
		c.Nodes = make(map[string]*NodeConfig)
	}
	if c.PacketTargetByteSize <= 0 {
		c.PacketTargetByteSize = DefaultPacketTargetByteSize
	}
	if c.PacketMsgEncoding == "" {
		c.PacketMsgEncoding = DefaultPacketMsgEncoding
	}
	if c.NetMail.AreaTag == "" {
		c.NetMail.AreaTag = "private_mail"
	}
	if c.Paths.Outbound == "" {
		c.Paths.Outbound = "data/ftn/outbound"
	}
	if c.Paths.Inbound == "" {
		c.Paths.Inbound = "data/ftn/inbound"
	}
	if c.Paths.SecureInbound == "" {
		c.Paths.SecureInbound = "data/ftn/secure_inbound"
	}
	if c.Paths.Temp == "" {
		c.Paths.Temp = "data/ftn/temp"
	}
	if c.DefaultNetwork == "" && len(c.Networks) > 0 {
		names := make([]string, 0, len(c.Networks))
		for name := range c.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		c.DefaultNetwork = names[0]
	}
}

// Validate parses every address and pattern and checks cross references.
// All problems are reported together.
func (c *FTNConfig) Validate() error {
	var errs []error

	for name, net := range c.Networks {
		net.Name = name
		addr, err := ftn.ParseAddress(net.LocalAddress)
		if err != nil {
			errs = append(errs, fmt.Errorf("network %q: %w", name, err))
			continue
		}
		net.Address = addr
		if net.DefaultZone == 0 {
			net.DefaultZone = addr.Zone
		}
	}
	if c.DefaultNetwork != "" && len(c.Networks) > 0 {
		if _, ok := c.Networks[c.DefaultNetwork]; !ok {
			errs = append(errs, fmt.Errorf("defaultNetwork %q is not configured", c.DefaultNetwork))
		}
	}

	for tag, area := range c.Areas {
		area.LocalTag = tag
		if area.Tag == "" {
			area.Tag = strings.ToUpper(tag)
		}
		if _, ok := c.Networks[area.Network]; !ok {
			// Not fatal: the export engine skips the area with a warning.
			log.Printf("WARN: FTN area %q references unknown network %q", tag, area.Network)
		}
		area.UplinkAddresses = area.UplinkAddresses[:0]
		for _, u := range area.Uplinks {
			addr, err := ftn.ParseAddress(u)
			if err != nil {
				errs = append(errs, fmt.Errorf("area %q uplink: %w", tag, err))
				continue
			}
			area.UplinkAddresses = append(area.UplinkAddresses, addr)
		}
	}

	c.nodeOrder = c.nodeOrder[:0]
	for key, node := range c.Nodes {
		p, err := ftn.ParsePattern(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", key, err))
			continue
		}
		node.Pattern = key
		node.pattern = p
		switch node.PacketType {
		case "", ftn.PacketType2, ftn.PacketType22, ftn.PacketType2Plus:
		default:
			errs = append(errs, fmt.Errorf("node %q: unsupported packetType %q", key, node.PacketType))
		}
		switch strings.ToLower(node.ExportType) {
		case "", ftn.FlavourCrash, ftn.FlavourHold, ftn.FlavourNormal, ftn.FlavourDirect:
		default:
			errs = append(errs, fmt.Errorf("node %q: unsupported exportType %q", key, node.ExportType))
		}
		c.nodeOrder = append(c.nodeOrder, node)
	}
	sort.Slice(c.nodeOrder, func(i, j int) bool {
		return moreSpecific(c.nodeOrder[i].pattern, c.nodeOrder[i].Pattern, c.nodeOrder[j].pattern, c.nodeOrder[j].Pattern)
	})

	c.routeOrder = c.routeOrder[:0]
	for key, route := range c.NetMail.Routes {
		p, err := ftn.ParsePattern(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("netMail route %q: %w", key, err))
			continue
		}
		addr, err := ftn.ParseAddress(route.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("netMail route %q: %w", key, err))
			continue
		}
		if _, ok := c.Networks[route.Network]; !ok {
			errs = append(errs, fmt.Errorf("netMail route %q: unknown network %q", key, route.Network))
		}
		route.Pattern = key
		route.destPattern = p
		route.RouteAddr = addr
		c.routeOrder = append(c.routeOrder, route)
	}
	sort.Slice(c.routeOrder, func(i, j int) bool {
		return moreSpecific(c.routeOrder[i].destPattern, c.routeOrder[i].Pattern, c.routeOrder[j].destPattern, c.routeOrder[j].Pattern)
	})

	switch strings.ToLower(c.FileBase.Tic.DescPriority) {
	case "", "tic", "diz":
	default:
		errs = append(errs, fmt.Errorf("fileBase.tic.descPriority %q must be tic or diz", c.FileBase.Tic.DescPriority))
	}
	for tag, ta := range c.FileBase.TicAreas {
		if ta.AreaTag == "" {
			errs = append(errs, fmt.Errorf("ticAreas %q: areaTag is required", tag))
		}
	}
	if !ftn.IsSupportedEncoding(c.PacketMsgEncoding) {
		errs = append(errs, fmt.Errorf("packetMsgEncoding %q is not supported", c.PacketMsgEncoding))
	}

	return errors.Join(errs...)
}

// moreSpecific orders patterns by fewest wildcards, then longest text, then
// text for a stable result.
func moreSpecific(a ftn.Pattern, aText string, b ftn.Pattern, bText string) bool {
	if wa, wb := a.Wildcards(), b.Wildcards(); wa != wb {
		return wa < wb
	}
	if len(aText) != len(bText) {
		return len(aText) > len(bText)
	}
	return aText < bText
}

// Network returns a configured network by name.
func (c *FTNConfig) Network(name string) (*NetworkConfig, bool) {
	n, ok := c.Networks[name]
	return n, ok
}

// NetworkNames returns configured network names in sorted order.
func (c *FTNConfig) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalAddresses returns the local address of every network.
func (c *FTNConfig) LocalAddresses() []ftn.Address {
	var out []ftn.Address
	for _, name := range c.NetworkNames() {
		out = append(out, c.Networks[name].Address)
	}
	return out
}

// NetworkForLocalAddress returns the network whose local address equals addr.
func (c *FTNConfig) NetworkForLocalAddress(addr ftn.Address) (*NetworkConfig, bool) {
	for _, name := range c.NetworkNames() {
		if n := c.Networks[name]; n.Address.Equal(addr) {
			return n, true
		}
	}
	return nil, false
}

// NetworkForZone infers a network for a remote address by matching the
// zone of a local address. The default network wins ties.
func (c *FTNConfig) NetworkForZone(addr ftn.Address) (*NetworkConfig, bool) {
	if n, ok := c.Networks[c.DefaultNetwork]; ok && n.Address.Zone == addr.Zone {
		return n, true
	}
	for _, name := range c.NetworkNames() {
		if n := c.Networks[name]; n.Address.Zone == addr.Zone {
			return n, true
		}
	}
	return nil, false
}

// AreaByFTNTag finds the local area for an FTN echo tag (case-insensitive).
func (c *FTNConfig) AreaByFTNTag(tag string) (*AreaConfig, bool) {
	for _, a := range c.Areas {
		if strings.EqualFold(a.Tag, tag) {
			return a, true
		}
	}
	return nil, false
}

// AreaTags returns local area tags in sorted order.
func (c *FTNConfig) AreaTags() []string {
	tags := make([]string, 0, len(c.Areas))
	for tag := range c.Areas {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// NodeConfigFor resolves the settings for addr: the most specific matching
// node entry with defaults filled in. ok is false when nothing matched and
// only defaults apply.
func (c *FTNConfig) NodeConfigFor(addr ftn.Address) (node NodeConfig, ok bool) {
	for _, n := range c.nodeOrder {
		if n.pattern.Matches(addr) {
			node, ok = *n, true
			break
		}
	}
	if node.PacketType == "" {
		node.PacketType = DefaultPacketType
	}
	if node.ExportType == "" {
		node.ExportType = DefaultExportType
	}
	node.ExportType = strings.ToLower(node.ExportType)
	if node.Encoding == "" {
		node.Encoding = c.PacketMsgEncoding
	}
	return node, ok
}

// NetMailRouteFor returns the most specific route whose pattern matches
// dest.
func (c *FTNConfig) NetMailRouteFor(dest ftn.Address) (*NetMailRoute, bool) {
	for _, r := range c.routeOrder {
		if r.destPattern.Matches(dest) {
			return r, true
		}
	}
	return nil, false
}

// TicPolicyFor merges a node's TIC policy over the global one. The
// password falls back to the node's session, then packet password.
func (c *FTNConfig) TicPolicyFor(node NodeConfig) TicPolicy {
	p := c.FileBase.Tic
	switch {
	case node.Tic.Password != "":
		p.Password = node.Tic.Password
	case node.SessionPassword != "":
		p.Password = node.SessionPassword
	case node.PacketPassword != "":
		p.Password = node.PacketPassword
	}
	if node.Tic.AllowReplace != nil {
		p.AllowReplace = node.Tic.AllowReplace
	}
	if node.Tic.DescPriority != "" {
		p.DescPriority = node.Tic.DescPriority
	}
	if len(node.Tic.Hashtags) > 0 {
		p.Hashtags = node.Tic.Hashtags
	}
	if node.Tic.UploadBy != "" {
		p.UploadBy = node.Tic.UploadBy
	}
	if p.DescPriority == "" {
		p.DescPriority = DefaultDescPriority
	}
	if p.UploadBy == "" {
		p.UploadBy = DefaultUploadBy
	}
	return p
}

// ReplaceAllowed reports the effective allowReplace flag.
func (p TicPolicy) ReplaceAllowed() bool {
	return p.AllowReplace != nil && *p.AllowReplace
}
