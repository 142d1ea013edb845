package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a float64 that may be explicitly undefined. Undefined values
// propagate through metric derivation and aggregation so that statistics
// exclude them instead of treating them as zero.
type Value struct {
	Float64 float64
	Defined bool
}

// Def returns a defined value.
func Def(f float64) Value {
	return Value{Float64: f, Defined: true}
}

// Undef returns the undefined value.
func Undef() Value {
	return Value{}
}

var jsonNull = []byte("null")

// MarshalJSON encodes undefined values as JSON null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Defined {
		return jsonNull, nil
	}
	return json.Marshal(v.Float64)
}

// UnmarshalJSON decodes JSON null as the undefined value.
func (v *Value) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		*v = Value{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*v = Def(f)
	return nil
}

// String renders the value for columnar output; undefined renders empty.
func (v Value) String() string {
	if !v.Defined {
		return ""
	}
	return fmt.Sprintf("%g", v.Float64)
}
