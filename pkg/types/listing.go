package types

// Listing is a single real-estate listing as returned by the upstream source.
// The cache treats it as an opaque JSON object and never inspects its fields.
type Listing map[string]interface{}

// Settings holds the named search parameters used when fetching listings,
// for example min_price or sort_by.
type Settings map[string]interface{}

// Clone returns a shallow copy of the settings. A nil receiver yields an
// empty, non-nil map.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Merge returns a copy of s with every key in patch applied on top.
func (s Settings) Merge(patch Settings) Settings {
	out := s.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}
