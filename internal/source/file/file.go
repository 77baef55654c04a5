// Package file reads endpoint records from a local JSON document.
//
// It is used for offline runs and fixtures. The document may be a root array
// of objects, a Graph-style envelope whose "value" array holds the items, a
// single object, or a stream of concatenated objects (JSON Lines).
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"intunesync/internal/source"
	"intunesync/pkg/records"

	"go.uber.org/zap"
)

// Source implements source.Source over files named by Endpoint.Path.
type Source struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{log: log.With(zap.String("source", source.KindFile))}
}

func (s *Source) Fetch(ctx context.Context, ep source.Endpoint) ([]records.Record, error) {
	path := strings.TrimSpace(ep.Path)
	if path == "" {
		return nil, fmt.Errorf("file: %s: path is required", ep.Name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("file: %s: %w", ep.Name, err)
	}
	defer f.Close()

	var out []records.Record
	err = Stream(ctx, f, func(r records.Record) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("file: %s: %w", ep.Name, err)
	}
	s.log.Info("endpoint fetched", zap.String("endpoint", ep.Name), zap.String("path", path), zap.Int("items", len(out)))
	return out, nil
}

// Stream decodes r and calls emit for each record, in document order.
// Numbers are kept as json.Number.
func Stream(ctx context.Context, r io.Reader, emit func(records.Record) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch tok {
	case json.Delim('['):
		return streamArray(ctx, dec, emit)
	case json.Delim('{'):
		if err := streamEnvelopeOrSingle(ctx, dec, emit); err != nil {
			return err
		}
		return streamTrailingObjects(ctx, dec, emit)
	default:
		return fmt.Errorf("json: unsupported root token %v (want object or array)", tok)
	}
}

// streamArray is positioned after '['.
func streamArray(ctx context.Context, dec *json.Decoder, emit func(records.Record) error) error {
	for i := 0; dec.More(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return fmt.Errorf("json: element %d: %w", i, err)
		}
		if obj == nil {
			return fmt.Errorf("json: element %d is not an object", i)
		}
		if err := emit(records.Record(obj)); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("json: read array end: %w", err)
	}
	return nil
}

// streamEnvelopeOrSingle is positioned after the root '{'. If the object has
// a "value" array, its elements are streamed and the other fields dropped.
// Otherwise the whole object is one record.
func streamEnvelopeOrSingle(ctx context.Context, dec *json.Decoder, emit func(records.Record) error) error {
	single := map[string]any{}
	envelope := false

	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("json: read key: %w", err)
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("json: expected string key, got %v", kt)
		}

		if key == "value" && !envelope {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return fmt.Errorf("json: value: %w", err)
			}
			if isArray(raw) {
				envelope = true
				single = nil
				if err := streamRaw(ctx, raw, emit); err != nil {
					return err
				}
				continue
			}
			if single != nil {
				v, err := decodeAny(raw)
				if err != nil {
					return err
				}
				single[key] = v
			}
			continue
		}

		if envelope {
			if err := skipNextValue(dec); err != nil {
				return err
			}
			continue
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("json: field %q: %w", key, err)
		}
		single[key] = v
	}

	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: read object end: %w", err)
	}
	if end != json.Delim('}') {
		return fmt.Errorf("json: expected '}', got %v", end)
	}
	if envelope {
		return nil
	}
	return emit(records.Record(single))
}

// streamTrailingObjects handles JSON Lines: further root objects after the first.
func streamTrailingObjects(ctx context.Context, dec *json.Decoder, emit func(records.Record) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("json: read trailing token: %w", err)
		}
		if tok != json.Delim('{') {
			return fmt.Errorf("json: unexpected trailing token %v", tok)
		}
		if err := streamEnvelopeOrSingle(ctx, dec, emit); err != nil {
			return err
		}
	}
}

func streamRaw(ctx context.Context, raw json.RawMessage, emit func(records.Record) error) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("json: value: %w", err)
	}
	return streamArray(ctx, dec, emit)
}

func decodeAny(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("json: value: %w", err)
	}
	return v, nil
}

func isArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[")
}

func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: skip value token: %w", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("json: skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("json: unexpected delimiter %v", d)
	}
	// closing delimiter
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("json: skip end: %w", err)
	}
	return nil
}

var _ source.Source = (*Source)(nil)
