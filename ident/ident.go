// Package ident defines Pattern's identifier model: typed entity IDs whose
// wire form is "prefix:key", and snowflake positions that totally order
// messages within one agent.
//
// The prefixed form exists for display and for routing payloads between
// components that handle more than one entity kind; the raw key is what gets
// bound into SQL parameters and composed into child identifiers.
package ident

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix is the table prefix of a typed identifier.
type Prefix string

// The closed set of entity prefixes. A prefix maps one-to-one onto a
// persistent table; adding one here means adding a table.
const (
	PrefixAgent   Prefix = "agent"
	PrefixGroup   Prefix = "group"
	PrefixMemory  Prefix = "mem"
	PrefixMessage Prefix = "msg"
	PrefixSession Prefix = "session"
	PrefixSource  Prefix = "source"
	PrefixQueued  Prefix = "queued"
)

func (p Prefix) valid() bool {
	switch p {
	case PrefixAgent, PrefixGroup, PrefixMemory, PrefixMessage,
		PrefixSession, PrefixSource, PrefixQueued:
		return true
	}
	return false
}

// ID is a typed identifier. The zero value is invalid.
type ID struct {
	prefix Prefix
	key    string
}

// New returns an ID with a freshly generated UUID key.
func New(prefix Prefix) ID {
	return ID{prefix: prefix, key: uuid.New().String()}
}

// FromKey wraps an existing raw key (a UUID, a snowflake in decimal, or a
// caller-chosen slug) in a typed ID.
func FromKey(prefix Prefix, key string) ID {
	return ID{prefix: prefix, key: key}
}

// Parse parses the wire form "prefix:key". The key may itself contain
// colons; only the first separates the prefix.
func Parse(s string) (ID, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return ID{}, fmt.Errorf("ident: %q is not of the form prefix:key", s)
	}
	p := Prefix(s[:i])
	if !p.valid() {
		return ID{}, fmt.Errorf("ident: unknown prefix %q in %q", s[:i], s)
	}
	return ID{prefix: p, key: s[i+1:]}, nil
}

// Prefix returns the table prefix.
func (id ID) Prefix() Prefix { return id.prefix }

// Key returns the raw key, the form used for parameter binding and for
// composing child identifiers.
func (id ID) Key() string { return id.key }

// String returns the display form "prefix:key".
func (id ID) String() string {
	return string(id.prefix) + ":" + id.key
}

// IsZero reports whether the ID is the invalid zero value.
func (id ID) IsZero() bool {
	return id.prefix == "" && id.key == ""
}

// Child composes a child identifier under this ID by joining the parent key
// and the child part with "/". The child carries the given prefix.
func (id ID) Child(prefix Prefix, part string) ID {
	return ID{prefix: prefix, key: id.key + "/" + part}
}
