// Package source fetches upstream records for an endpoint.
//
// An Endpoint names where data comes from and which table it lands in. The
// graph subpackage reads paginated Microsoft Graph collections; the file
// subpackage reads local JSON fixtures. Mux routes an endpoint to the source
// matching its kind.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"intunesync/pkg/records"
)

// Source kinds.
const (
	KindGraph = "graph"
	KindFile  = "file"
)

// DevicesEndpoint is the endpoint name the OS filter applies to.
const DevicesEndpoint = "devices"

// ErrUnknownKind is returned by Mux for an endpoint kind with no source.
var ErrUnknownKind = errors.New("source: unknown kind")

// Endpoint describes one upstream collection and its destination table.
type Endpoint struct {
	Name    string `mapstructure:"name"`
	URL     string `mapstructure:"url"`
	Table   string `mapstructure:"table"`
	Enabled bool   `mapstructure:"enabled"`

	// Source is "graph" (default) or "file".
	Source string `mapstructure:"source"`
	// Path is the JSON file read by the file source.
	Path string `mapstructure:"path"`

	SelectFields []string          `mapstructure:"selectFields"`
	Filter       string            `mapstructure:"filter"`
	QueryParams  map[string]string `mapstructure:"queryParams"`

	// FieldMappings renames upstream keys (source -> target) before storage.
	FieldMappings map[string]string `mapstructure:"fieldMappings"`
}

// Kind returns the normalized source kind.
func (e Endpoint) Kind() string {
	k := strings.ToLower(strings.TrimSpace(e.Source))
	if k == "" {
		return KindGraph
	}
	return k
}

// IsDevices reports whether the device OS filter applies.
func (e Endpoint) IsDevices() bool { return e.Name == DevicesEndpoint }

// ApplyMappings renames keys in place on every record.
func (e Endpoint) ApplyMappings(recs []records.Record) {
	if len(e.FieldMappings) == 0 {
		return
	}
	for _, r := range recs {
		r.Rename(e.FieldMappings)
	}
}

// Source fetches every record of an endpoint, following pagination.
type Source interface {
	Fetch(ctx context.Context, ep Endpoint) ([]records.Record, error)
}

// Mux dispatches on Endpoint.Kind.
type Mux map[string]Source

func (m Mux) Fetch(ctx context.Context, ep Endpoint) ([]records.Record, error) {
	s, ok := m[ep.Kind()]
	if !ok || s == nil {
		return nil, fmt.Errorf("%w %q (endpoint %s)", ErrUnknownKind, ep.Kind(), ep.Name)
	}
	return s.Fetch(ctx, ep)
}

const graphBase = "https://graph.microsoft.com/v1.0"

// Predefined returns the built-in Graph endpoints. Only devices is enabled.
func Predefined() []Endpoint {
	return []Endpoint{
		{
			Name:    DevicesEndpoint,
			URL:     graphBase + "/deviceManagement/managedDevices",
			Table:   "devices",
			Enabled: true,
		},
		{
			Name:  "users",
			URL:   graphBase + "/users",
			Table: "users",
			SelectFields: []string{
				"id", "userPrincipalName", "displayName", "mail", "jobTitle",
				"department", "companyName", "accountEnabled", "createdDateTime",
				"lastSignInDateTime",
			},
		},
		{
			Name:  "groups",
			URL:   graphBase + "/groups",
			Table: "groups",
			SelectFields: []string{
				"id", "displayName", "description", "groupTypes", "mail",
				"mailEnabled", "securityEnabled", "createdDateTime",
			},
		},
		{
			Name:  "compliance_policies",
			URL:   graphBase + "/deviceManagement/deviceCompliancePolicies",
			Table: "compliance_policies",
		},
	}
}
