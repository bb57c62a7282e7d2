package message

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// identityNamespace is the UUIDv5 namespace for message identities.
var identityNamespace = uuid.MustParse("6f1c3b0e-4a1d-5c8e-9b7a-3d2e1f0a9c84")

// DeterministicUUID returns the identity of a message. The same area,
// timestamp (to the second), subject and body always give the same UUID,
// so importing a message twice collides on the unique index.
func DeterministicUUID(areaTag string, ts time.Time, subject, body string) uuid.UUID {
	data := make([]byte, 0, len(areaTag)+len(subject)+len(body)+24)
	data = append(data, areaTag...)
	data = append(data, 0)
	data = strconv.AppendInt(data, ts.Unix(), 10)
	data = append(data, 0)
	data = append(data, subject...)
	data = append(data, 0)
	data = append(data, body...)
	return uuid.NewSHA1(identityNamespace, data)
}
