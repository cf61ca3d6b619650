package labeled

import (
	"encoding/json"
	"math"
)

// Floats is a float64 slice whose JSON form encodes NaN as null, so arrays
// with missing values survive a round trip through JSON and JSONB columns.
type Floats []float64

// MarshalJSON implements json.Marshaler.
func (f Floats) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	out := make([]*float64, len(f))
	for i := range f {
		if math.IsNaN(f[i]) || math.IsInf(f[i], 0) {
			continue
		}
		v := f[i]
		out[i] = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Floats) UnmarshalJSON(data []byte) error {
	var in []*float64
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in == nil {
		*f = nil
		return nil
	}
	out := make(Floats, len(in))
	for i, v := range in {
		if v == nil {
			out[i] = math.NaN()
			continue
		}
		out[i] = *v
	}
	*f = out
	return nil
}
