// Package filter decides which device records are kept, based on their
// operating system.
package filter

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"

	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// Wildcard matches every device.
const Wildcard = "*"

const unknown = "unknown"

// Stats counts filter decisions for one Apply call.
type Stats struct {
	Matched int
	Skipped int
}

// OSFilter keeps devices whose OS contains at least one configured term.
type OSFilter struct {
	terms []string
	log   *zap.Logger
}

// NormalizeTerms splits raw on commas, trims and case-folds each term and
// drops empties. "Windows, macOS,,  " -> [windows macos].
func NormalizeTerms(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = fold(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewOSFilter builds a filter from configured entries, each of which may hold
// several comma-separated terms. No terms at all means Wildcard.
func NewOSFilter(raw []string, log *zap.Logger) *OSFilter {
	if log == nil {
		log = zap.NewNop()
	}
	var terms []string
	for _, r := range raw {
		terms = append(terms, NormalizeTerms(r)...)
	}
	if len(terms) == 0 {
		terms = []string{Wildcard}
	}
	log.Info("os filter configured", zap.Strings("terms", terms))
	return &OSFilter{terms: terms, log: log}
}

// Terms returns the normalized filter terms.
func (f *OSFilter) Terms() []string { return slices.Clone(f.terms) }

// AllowsAll reports whether the wildcard is among the terms.
func (f *OSFilter) AllowsAll() bool { return slices.Contains(f.terms, Wildcard) }

// Match reports whether an OS string passes the filter. A blank OS is
// matched as "unknown".
func (f *OSFilter) Match(os string) bool {
	if f.AllowsAll() {
		return true
	}
	os = fold(strings.TrimSpace(os))
	if os == "" {
		os = unknown
	}
	for _, t := range f.terms {
		if strings.Contains(os, t) {
			return true
		}
	}
	return false
}

// Apply returns the records that pass, in input order.
func (f *OSFilter) Apply(recs []records.Record) ([]records.Record, Stats) {
	var st Stats
	out := make([]records.Record, 0, len(recs))
	for _, r := range recs {
		name, os := DeviceName(r), DeviceOS(r)
		if f.Match(os) {
			st.Matched++
			out = append(out, r)
			f.log.Debug("device allowed", zap.String("device", name), zap.String("os", orUnknown(os)))
			continue
		}
		st.Skipped++
		f.log.Info("device skipped", zap.String("device", name), zap.String("os", orUnknown(os)))
	}
	f.log.Info("os filter applied", zap.Int("in", len(recs)), zap.Int("out", len(out)))
	return out, st
}

// DeviceName is deviceName, then displayName, then "unknown".
func DeviceName(r records.Record) string {
	for _, k := range []string{"deviceName", "displayName"} {
		if s := r.String(k); s != "" {
			return s
		}
	}
	return unknown
}

// DeviceOS is operatingSystem, falling back to osVersion.
func DeviceOS(r records.Record) string {
	if s := r.String("operatingSystem"); s != "" {
		return s
	}
	return r.String("osVersion")
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}

// fold applies Unicode case folding. A Caser keeps state, so one is built per
// call.
func fold(s string) string {
	return cases.Fold().String(s)
}
