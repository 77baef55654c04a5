// Package identity resolves the stable primary key for an upstream record.
package identity

import (
	"crypto/sha256"
	"strings"

	"intunesync/internal/fingerprint"
	"intunesync/pkg/records"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// salt is appended to the fingerprint before hashing. Changing it changes
// every derived identity, so it is fixed for the lifetime of stored data.
const salt = "uuid_generation_salt"

// Source reports how an identity was obtained.
type Source string

const (
	// Reused means the record carried a well-formed id/uuid field.
	Reused Source = "reused"
	// Derived means the identity was computed from the fingerprint.
	Derived Source = "derived"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	ID          uuid.UUID
	Fingerprint string
	Source      Source
}

// Resolver turns records into identities. It never fails.
type Resolver struct {
	fp  *fingerprint.Engine
	log *zap.Logger
}

// NewResolver returns a Resolver. nil arguments select the default
// fingerprint chain and a no-op logger.
func NewResolver(fp *fingerprint.Engine, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	if fp == nil {
		fp = fingerprint.New(log)
	}
	return &Resolver{fp: fp, log: log}
}

// Resolve returns the record's identity.
//
// Order:
//  1. "id", then "uuid": the first string field that parses as a UUID is reused.
//  2. Otherwise the identity is derived from the fingerprint (see FromFingerprint).
//
// The fingerprint is always returned so callers can persist it. Only the
// derived path can log the sentinel warning, since a reused id does not
// depend on the fingerprint. A malformed id/uuid is not an error; it silently
// falls through to derivation.
func (r *Resolver) Resolve(rec records.Record) Resolution {
	for _, key := range []string{"id", "uuid"} {
		s, ok := rec[key].(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			continue
		}
		r.log.Debug("identity reused", zap.String("field", key), zap.String("id", id.String()))
		return Resolution{ID: id, Fingerprint: r.fp.Sum(rec), Source: Reused}
	}

	fp := r.fp.Fingerprint(rec)
	id := FromFingerprint(fp)
	r.log.Debug("identity derived", zap.String("id", id.String()))
	return Resolution{ID: id, Fingerprint: fp, Source: Derived}
}

// FromFingerprint derives a version-4 shaped UUID from a fingerprint:
// sha256(fingerprint + salt), first 16 bytes, version and variant bits forced.
// It is a pure function of its input.
func FromFingerprint(fp string) uuid.UUID {
	sum := sha256.Sum256([]byte(fp + salt))

	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}
