package types

// Feature is one named, grouped scalar extracted from market data.
type Feature struct {
	Key   string  `json:"key"`
	Group string  `json:"group"`
	Value float64 `json:"value"`
}

// FeatureVector is an ordered feature list.
type FeatureVector []Feature

// Map indexes the vector by key.
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, len(v))
	for _, f := range v {
		out[f.Key] = f.Value
	}
	return out
}

// Get returns the value stored under key.
func (v FeatureVector) Get(key string) (float64, bool) {
	for _, f := range v {
		if f.Key == key {
			return f.Value, true
		}
	}
	return 0, false
}
