package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Client order ids follow `fcx-<role>-<root>`: a fixed bot signature, the
// leg's role, and a random root shared by every leg of one trade. The
// encoding is the pairing contract used by trailing and reconciliation, so
// all parsing lives here.
const botSignature = "fcx"

// Role identifies which leg of a trade a client order id belongs to.
type Role string

const (
	RoleEntry  Role = "en"
	RoleStop   Role = "sl"
	RoleTarget Role = "tp"
	RoleClose  Role = "cl"
	RoleMargin Role = "mg"
)

const rootLen = 10

// NewRoot returns a fresh random root token.
func NewRoot() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:rootLen]
}

// ClientID encodes a client order id for the given role and root.
func ClientID(role Role, root string) string {
	return fmt.Sprintf("%s-%s-%s", botSignature, role, root)
}

// ParsedID is a decoded bot client order id.
type ParsedID struct {
	Role Role
	Root string
}

// ParseClientID decodes id. ok is false for ids the bot did not place.
func ParseClientID(id string) (ParsedID, bool) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != botSignature {
		return ParsedID{}, false
	}
	switch Role(parts[1]) {
	case RoleEntry, RoleStop, RoleTarget, RoleClose, RoleMargin:
	default:
		return ParsedID{}, false
	}
	if parts[2] == "" {
		return ParsedID{}, false
	}
	return ParsedID{Role: Role(parts[1]), Root: parts[2]}, true
}

// IsBotOrder reports whether id carries the bot signature.
func IsBotOrder(id string) bool {
	_, ok := ParseClientID(id)
	return ok
}

// LegIDs returns the entry/stop/target ids sharing one fresh root.
func LegIDs() (entry, stop, target, root string) {
	root = NewRoot()
	return ClientID(RoleEntry, root), ClientID(RoleStop, root), ClientID(RoleTarget, root), root
}
