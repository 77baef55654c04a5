// Package probe profiles a sample of endpoint records before they are synced.
//
// A Report tells an operator which columns a table will get, which type each
// one is inferred as, how unique each field is, and which fingerprint tier
// identifies the records. That is enough to spot an endpoint whose records
// would all collapse onto the sentinel identity, or a field whose type
// differs between records.
//
// Probing never writes anything and never fails on odd data.
package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"intunesync/internal/fingerprint"
	"intunesync/internal/schema"
	"intunesync/pkg/records"
)

// distinctCap bounds the distinct-value set kept per column.
const distinctCap = 10000

// Column is one data column of the sampled records.
type Column struct {
	Key    string
	Column string
	Type   schema.Type

	// Present counts records with a non-empty value; it is the denominator
	// of Ratio.
	Present  int
	Distinct int
	Capped   bool

	// Mixed is set when records disagree on the inferred type.
	Mixed bool
}

// Ratio is Distinct/Present, or 0 for a column never present.
func (c Column) Ratio() float64 {
	if c.Present == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Present)
}

// Report profiles a sample.
type Report struct {
	Sampled int
	Columns []Column

	// Tiers counts records per identifying tier (fingerprint.SentinelTier
	// for records with no identifying field).
	Tiers map[string]int
	// DuplicateFingerprints counts records whose fingerprint was already
	// seen earlier in the sample.
	DuplicateFingerprints int
}

// Analyze profiles recs. A nil engine uses the default device tiers.
func Analyze(recs []records.Record, fp *fingerprint.Engine) Report {
	if fp == nil {
		fp = fingerprint.New(nil)
	}
	rep := Report{Sampled: len(recs), Tiers: map[string]int{}}
	if len(recs) == 0 {
		return rep
	}

	fields := schema.Fields(schema.MergeSample(recs))
	cols := make([]Column, len(fields))
	sets := make([]map[string]struct{}, len(fields))
	for i, f := range fields {
		cols[i] = Column{Key: f.Key, Column: f.Column, Type: f.Type}
		sets[i] = map[string]struct{}{}
	}

	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		tier, _ := fp.Tier(r)
		rep.Tiers[tier]++
		h := fp.Sum(r)
		if seen[h] {
			rep.DuplicateFingerprints++
		}
		seen[h] = true

		for i := range cols {
			c := &cols[i]
			v, ok := r[c.Key]
			if !ok || v == nil {
				continue
			}
			s := uniqValue(v)
			if s == "" {
				continue
			}
			c.Present++
			if t := schema.InferType(c.Column, v); t != c.Type {
				c.Mixed = true
			}
			if c.Capped {
				continue
			}
			sets[i][s] = struct{}{}
			if len(sets[i]) >= distinctCap {
				c.Capped = true
				sets[i] = nil
			}
		}
	}

	for i := range cols {
		if cols[i].Capped {
			cols[i].Distinct = distinctCap
			continue
		}
		cols[i].Distinct = len(sets[i])
	}
	rep.Columns = cols
	return rep
}

// uniqValue is the comparable form of a value; "" means missing.
func uniqValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool, float64:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		if s := string(b); s != "[]" && s != "{}" {
			return s
		}
		return ""
	}
}

// Write prints the report as aligned text, columns sorted by uniqueness
// ratio (most repetitive first) then name.
func (r Report) Write(w io.Writer) error {
	if r.Sampled == 0 {
		_, err := fmt.Fprintln(w, "probe: no records sampled")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "sampled records:\t%d\n", r.Sampled)
	fmt.Fprintf(tw, "duplicate fingerprints:\t%d\n", r.DuplicateFingerprints)
	for _, t := range sortedTiers(r.Tiers) {
		fmt.Fprintf(tw, "tier %s:\t%d\n", t, r.Tiers[t])
	}
	fmt.Fprintln(tw)

	cols := append([]Column(nil), r.Columns...)
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].Ratio() == cols[j].Ratio() {
			return cols[i].Column < cols[j].Column
		}
		return cols[i].Ratio() < cols[j].Ratio()
	})

	fmt.Fprintln(tw, "COLUMN\tTYPE\tPRESENT\tUNIQUE\tRATIO\tNOTE")
	for _, c := range cols {
		var notes []string
		if c.Capped {
			notes = append(notes, "capped")
		}
		if c.Mixed {
			notes = append(notes, "mixed types")
		}
		if c.Column != c.Key {
			notes = append(notes, "truncated")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
			c.Column, c.Type, c.Present, c.Distinct, c.Ratio()*100, strings.Join(notes, ","))
	}
	return tw.Flush()
}

func sortedTiers(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
