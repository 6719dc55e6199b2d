package engine

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// IdentifierKind tags how an Identifier should be looked up.
type IdentifierKind int

const (
	IdentifierName IdentifierKind = iota
	IdentifierUUID
	IdentifierID
)

func (k IdentifierKind) String() string {
	switch k {
	case IdentifierUUID:
		return "uuid"
	case IdentifierID:
		return "id"
	default:
		return "name"
	}
}

// Identifier is a reference to a record, classified once when it enters the system.
type Identifier struct {
	Kind  IdentifierKind
	Value string
	ID    int64
}

// ByUUID builds a UUID identifier. The value is canonicalized when it parses.
func ByUUID(v string) Identifier {
	if u, err := uuid.Parse(v); err == nil {
		v = u.String()
	}
	return Identifier{Kind: IdentifierUUID, Value: v}
}

// ByName builds a name identifier.
func ByName(v string) Identifier {
	return Identifier{Kind: IdentifierName, Value: v}
}

// ByID builds an internal numeric identifier.
func ByID(id int64) Identifier {
	return Identifier{Kind: IdentifierID, ID: id, Value: strconv.FormatInt(id, 10)}
}

// ParseIdentifier classifies s by its shape: a canonical UUID, a positive
// integer, or otherwise a name. An empty reference is rejected.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identifier{}, InvalidIdentity(s)
	}
	if len(s) == 36 {
		if u, err := uuid.Parse(s); err == nil {
			return Identifier{Kind: IdentifierUUID, Value: u.String()}, nil
		}
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil && id > 0 {
		return ByID(id), nil
	}
	return ByName(s), nil
}

// ParseRecordIdentifier accepts only an internal id or a UUID.
func ParseRecordIdentifier(s string) (Identifier, error) {
	ident, err := ParseIdentifier(s)
	if err != nil {
		return Identifier{}, err
	}
	if ident.Kind == IdentifierName {
		return Identifier{}, InvalidIdentity(s)
	}
	return ident, nil
}

// String returns the raw reference.
func (i Identifier) String() string {
	return i.Value
}

// NewUUID returns a fresh random UUID string.
func NewUUID() string {
	return uuid.NewString()
}
