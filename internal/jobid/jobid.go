package jobid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxKeyLength bounds every generated key in bytes.
const MaxKeyLength = 255

// Strategy selects how an identity key is derived.
type Strategy int

const (
	Random Strategy = iota
	ContentHash
	KeyedTemplate
)

func (s Strategy) String() string {
	switch s {
	case Random:
		return "random"
	case ContentHash:
		return "content_hash"
	case KeyedTemplate:
		return "keyed_template"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration or CLI value into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "random", "":
		return Random, nil
	case "content_hash", "content-hash", "hash":
		return ContentHash, nil
	case "keyed_template", "keyed-template", "keyed":
		return KeyedTemplate, nil
	default:
		return Random, fmt.Errorf("%w: unknown strategy %q", ErrConfiguration, name)
	}
}

// Args is the argument set of a unit of work.
type Args map[string]any

// Set marks an unordered container. Its elements are sorted by their canonical
// encoding before hashing, so two Sets holding the same elements hash alike.
type Set []any

// Identity is the generated key plus the inputs that scoped it.
type Identity struct {
	OwningClass string
	Strategy    Strategy
	Key         string
}

func (i Identity) String() string { return i.Key }

// Generator produces identity keys. The zero value is ready to use.
type Generator struct {
	newUUID func() string
}

// New returns a Generator backed by random v4 UUIDs.
func New() *Generator {
	return &Generator{newUUID: uuid.NewString}
}

// Generate derives an identity for owningClass and args. KeyedTemplate needs
// the ordered field list; other strategies ignore it.
func (g *Generator) Generate(strategy Strategy, owningClass string, args Args, fields ...string) (Identity, error) {
	owningClass = strings.TrimSpace(owningClass)
	if owningClass == "" {
		return Identity{}, fmt.Errorf("%w: owning class is required", ErrConfiguration)
	}

	var key string
	switch strategy {
	case Random:
		key = owningClass + ":" + g.uuid()
	case ContentHash:
		digest, err := hashArgs(args)
		if err != nil {
			return Identity{}, err
		}
		key = owningClass + ":" + digest
	case KeyedTemplate:
		rendered, err := renderTemplate(owningClass, args, fields)
		if err != nil {
			return Identity{}, err
		}
		key = rendered
	default:
		return Identity{}, fmt.Errorf("%w: unknown strategy %s", ErrConfiguration, strategy)
	}

	if len(key) > MaxKeyLength {
		return Identity{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrKeyTooLong, len(key), MaxKeyLength)
	}
	return Identity{OwningClass: owningClass, Strategy: strategy, Key: key}, nil
}

// GenerateKeyed is Generate with the KeyedTemplate strategy.
func (g *Generator) GenerateKeyed(owningClass string, args Args, fields []string) (Identity, error) {
	return g.Generate(KeyedTemplate, owningClass, args, fields...)
}

func (g *Generator) uuid() string {
	if g == nil || g.newUUID == nil {
		return uuid.NewString()
	}
	return g.newUUID()
}

func hashArgs(args Args) (string, error) {
	payload, err := CanonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func renderTemplate(owningClass string, args Args, fields []string) (string, error) {
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: keyed template requires at least one field", ErrConfiguration)
	}
	var b strings.Builder
	b.WriteString(owningClass)
	for _, field := range fields {
		value, ok := args[field]
		if !ok {
			return "", fmt.Errorf("%w: field %q missing from arguments", ErrConfiguration, field)
		}
		canonical, err := canonicalize(value)
		if err != nil {
			return "", err
		}
		b.WriteByte(':')
		b.WriteString(field)
		b.WriteByte('=')
		b.WriteString(sanitize(renderValue(canonical)))
		if b.Len() > MaxKeyLength {
			return "", fmt.Errorf("%w: exceeds %d bytes at field %q", ErrKeyTooLong, MaxKeyLength, field)
		}
	}
	return b.String(), nil
}

// sanitize replaces every rune outside [A-Za-z0-9] with '-'.
func sanitize(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
