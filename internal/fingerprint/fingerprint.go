// Package fingerprint derives content hashes for upstream records.
//
// Two hashes are computed per record:
//
//   - Fingerprint covers only identifying fields. It walks a precedence chain
//     of tiers (serial number, IMEI, hardware ID, ...) and hashes the FIRST
//     non-empty tier. Later tiers never contribute, so a fingerprint stays
//     stable while optional identifiers come and go across syncs.
//
//   - ChangeHash covers every field, keys sorted, and is used to skip writes
//     for records that have not changed since they were last stored.
//
// Both are lowercase hex SHA-256 strings (length 64).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// SentinelTier is the tier name used when no identifying field is present.
const SentinelTier = "sentinel"

// sentinelValue is hashed for records without any identifying field.
const sentinelValue = "unknown_device"

// Tier is one step of the identifying-field precedence chain.
type Tier struct {
	// Name is folded into the hashed input so equal values in different tiers
	// (serial "X" vs IMEI "X") do not collide.
	Name string

	// Extract returns the tier's trimmed value, or "" when the tier is absent.
	Extract func(r records.Record) string
}

// DeviceTiers is the default chain used for managed devices and for any
// record type that does not supply its own chain.
var DeviceTiers = []Tier{
	{Name: "serial", Extract: field("serialNumber")},
	{Name: "imei", Extract: field("imei")},
	{Name: "hardware_id", Extract: hardwareID},
	{Name: "azure_ad_device_id", Extract: field("azureADDeviceId")},
	{Name: "model_enrolled", Extract: modelEnrolled},
}

func field(name string) func(records.Record) string {
	return func(r records.Record) string { return r.String(name) }
}

func hardwareID(r records.Record) string {
	if v := r.Nested("hardwareInformation", "hardwareId"); v != "" {
		return v
	}
	return r.String("hardwareId")
}

func modelEnrolled(r records.Record) string {
	model := r.String("model")
	enrolled := r.String("enrolledDateTime")
	if model == "" && enrolled == "" {
		return ""
	}
	return model + "|" + enrolled
}

// Engine computes fingerprints over a fixed tier chain.
type Engine struct {
	tiers []Tier
	log   *zap.Logger
}

// New returns an Engine using tiers, or DeviceTiers when none are given.
// A nil logger is replaced by a no-op logger.
func New(log *zap.Logger, tiers ...Tier) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if len(tiers) == 0 {
		tiers = DeviceTiers
	}
	return &Engine{tiers: tiers, log: log}
}

// Tier reports which tier identifies r and the value it contributed.
// Records with no identifying field report SentinelTier.
func (e *Engine) Tier(r records.Record) (name, value string) {
	for _, t := range e.tiers {
		if v := strings.TrimSpace(t.Extract(r)); v != "" {
			return t.Name, v
		}
	}
	return SentinelTier, sentinelValue
}

// Fingerprint returns the identifying-field hash of r.
//
// It never fails: a record with no identifying field hashes the sentinel and
// the condition is logged as a low-confidence warning.
func (e *Engine) Fingerprint(r records.Record) string {
	name, value := e.Tier(r)
	if name == SentinelTier {
		e.log.Warn("no identifying fields on record; using sentinel fingerprint",
			zap.Int("fields", len(r)))
	}
	return sum(name + ":" + value)
}

// Sum is Fingerprint without the sentinel warning, for records whose
// identity does not depend on the fingerprint.
func (e *Engine) Sum(r records.Record) string {
	name, value := e.Tier(r)
	return sum(name + ":" + value)
}

// ChangeHash hashes every field of r: keys sorted, each contributing
// key + ":" + canonicalJSON(value) + ";".
//
// Nested arrays and objects are hashed through their canonical JSON form
// (encoding/json sorts object keys). An empty record hashes the empty string.
func ChangeHash(r records.Record) string {
	var b strings.Builder
	for _, k := range r.Keys() {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(canonicalValue(r[k]))
		b.WriteByte(';')
	}
	return sum(b.String())
}

func canonicalValue(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Only non-JSON values (NaN, channels) land here.
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
