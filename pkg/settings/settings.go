// Package settings stores the mutable search settings used to fetch listings.
package settings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/illmade-knight/go-listingcache/pkg/types"
)

// ErrInvalidSettings is returned when a settings update is not a JSON object.
var ErrInvalidSettings = errors.New("settings must be a JSON object")

// Store holds the current search settings. Update merges a patch into them:
// keys in the patch overwrite, all other keys are kept. Both methods return
// copies the caller may modify.
type Store interface {
	Get(ctx context.Context) (types.Settings, error)
	Update(ctx context.Context, patch types.Settings) (types.Settings, error)
	io.Closer
}

// Defaults returns the default search settings.
func Defaults() types.Settings {
	return types.Settings{
		"min_price":      30000,
		"max_price":      80000,
		"min_house_year": 1990,
		"max_house_year": 2023,
		"min_floor":      3,
		"sort_by":        "total_meters_from_max_to_min",
	}
}

// Decode reads a settings patch from r. Anything other than a single JSON
// object, including null, yields ErrInvalidSettings.
func Decode(r io.Reader) (types.Settings, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrInvalidSettings
	}
	return decodeObject(trimmed)
}

// decodeObject unmarshals a JSON object. Integral numbers become int64 and
// all others float64, so every backend stores them as numbers.
func decodeObject(data []byte) (types.Settings, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var s types.Settings
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Join(ErrInvalidSettings, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, ErrInvalidSettings
	}
	if s == nil {
		s = types.Settings{}
	}
	for k, v := range s {
		s[k] = normalizeNumbers(v)
	}
	return s, nil
}

// normalizeNumbers replaces json.Number values, including those nested in
// objects and arrays.
func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]interface{}:
		for k, inner := range val {
			val[k] = normalizeNumbers(inner)
		}
		return val
	case []interface{}:
		for i, inner := range val {
			val[i] = normalizeNumbers(inner)
		}
		return val
	default:
		return v
	}
}
