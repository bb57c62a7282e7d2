package message

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Meta categories.
const (
	CategorySystem      = "System"
	CategoryFtnProperty = "FtnProperty"
	CategoryFtnKludge   = "FtnKludge"
)

// System meta names.
const (
	MetaStateFlags0      = "state_flags0"
	MetaRemoteToUser     = "remote_to_user"
	MetaRemoteToUserType = "remote_to_user_type"
	MetaRemoteFromUser   = "remote_from_user"
	MetaLocalToUserID    = "local_to_user_id"
	MetaLocalFromUserID  = "local_from_user_id"
)

// StateFlags0 bits.
const (
	StateImported = 0x00000001
	StateExported = 0x00000002
)

// MsgToUserAll is the To value for public messages.
const MsgToUserAll = "All"

var (
	// ErrNotFound is returned when a message or user doesn't exist.
	ErrNotFound = errors.New("message: not found")
	// ErrDuplicate is returned by Persist when the UUID is already stored.
	ErrDuplicate = errors.New("message: duplicate uuid")
)

// Meta is category -> name -> ordered values.
type Meta map[string]map[string][]string

// Get returns the first value for category/name, or "".
func (m Meta) Get(category, name string) string {
	if vals := m[category][name]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Values returns all values for category/name.
func (m Meta) Values(category, name string) []string {
	return m[category][name]
}

// Set replaces the values for category/name. No values deletes the entry.
func (m Meta) Set(category, name string, values ...string) {
	if len(values) == 0 {
		if cat := m[category]; cat != nil {
			delete(cat, name)
		}
		return
	}
	cat := m[category]
	if cat == nil {
		cat = make(map[string][]string)
		m[category] = cat
	}
	cat[name] = append([]string(nil), values...)
}

// Add appends a value for category/name.
func (m Meta) Add(category, name, value string) {
	cat := m[category]
	if cat == nil {
		cat = make(map[string][]string)
		m[category] = cat
	}
	cat[name] = append(cat[name], value)
}

// Message is one stored message in an area or the NetMail mailbox.
type Message struct {
	ID        int64
	UUID      uuid.UUID
	AreaTag   string
	ReplyToID int64
	To        string
	From      string
	Subject   string
	Body      string
	Timestamp time.Time
	Meta      Meta
}

// New returns a Message with an initialised Meta map.
func New(areaTag string) *Message {
	return &Message{AreaTag: areaTag, Meta: make(Meta)}
}

// IsPrivate reports whether the message is addressed to one user.
func (m *Message) IsPrivate() bool {
	return m.To != "" && m.To != MsgToUserAll
}

// MetaKey names a single meta entry.
type MetaKey struct {
	Category string
	Name     string
}

// Filter selects messages for Find. Zero fields don't filter.
type Filter struct {
	AreaTag     string
	NewerThanID int64
	WithMeta    []MetaKey
	WithoutMeta []MetaKey
	Limit       int
}
