// Package fiberstream reads fiber-coordinate payloads incrementally. The
// payload is a JSON document keyed by object identifier, each entry holding
// parallel x/y/z coordinate arrays in micrometers, a per-point hemisphere
// label array, and object-level metadata. Point clouds can reach millions
// of points per image, so the reader decodes one object at a time and never
// materializes the whole document.
package fiberstream

import (
	"encoding/json"
	"fmt"
	"io"
	"math"

	"histoquant/internal/classify"
	"histoquant/pkg/domain"
)

// Object is one decoded fiber object: streaming accumulators plus detections
// sampled at the reader's stride with coordinates converted to millimeters.
type Object struct {
	ID           string
	PrimaryClass string
	DerivedClass string
	Image        string
	// LengthUM is the object-level cumulated length reported upstream;
	// undefined when the payload omits it.
	LengthUM domain.Value
	Points   int
	// LengthByHemisphere accumulates polyline segment lengths between
	// consecutive same-hemisphere points, in micrometers.
	LengthByHemisphere map[domain.Hemisphere]float64
	Detections         []domain.Detection
}

// Reader iterates the objects of one fiber payload.
type Reader struct {
	dec     *json.Decoder
	stride  int
	started bool
	done    bool
}

// NewReader wraps r. Stride controls detection sampling: every stride-th
// point becomes a Detection (1 keeps every point, 0 disables sampling).
func NewReader(r io.Reader, stride int) *Reader {
	return &Reader{dec: json.NewDecoder(r), stride: stride}
}

// Next returns the next object, or io.EOF after the last one.
func (r *Reader) Next() (*Object, error) {
	if r.done {
		return nil, io.EOF
	}
	if !r.started {
		if err := expectDelim(r.dec, '{'); err != nil {
			return nil, fmt.Errorf("fiber payload: %w", err)
		}
		r.started = true
	}
	if !r.dec.More() {
		if err := expectDelim(r.dec, '}'); err != nil {
			return nil, fmt.Errorf("fiber payload: %w", err)
		}
		r.done = true
		return nil, io.EOF
	}
	token, err := r.dec.Token()
	if err != nil {
		return nil, fmt.Errorf("fiber payload: %w", err)
	}
	id, ok := token.(string)
	if !ok {
		return nil, fmt.Errorf("fiber payload: object key is %T, want string", token)
	}
	object, err := r.decodeObject(id)
	if err != nil {
		return nil, fmt.Errorf("fiber object %s: %w", id, err)
	}
	return object, nil
}

// decodeObject walks one entry field by field; coordinate arrays are
// decoded value by value so only the current object is resident.
func (r *Reader) decodeObject(id string) (*Object, error) {
	if err := expectDelim(r.dec, '{'); err != nil {
		return nil, err
	}
	object := &Object{ID: id, LengthByHemisphere: make(map[domain.Hemisphere]float64)}
	var x, y, z []float64
	var labels []domain.Hemisphere

	for r.dec.More() {
		token, err := r.dec.Token()
		if err != nil {
			return nil, err
		}
		field, ok := token.(string)
		if !ok {
			return nil, fmt.Errorf("field name is %T", token)
		}
		switch field {
		case "classification":
			var s string
			if err := r.dec.Decode(&s); err != nil {
				return nil, err
			}
			primary, derived, err := classify.Split(s)
			if err != nil {
				return nil, err
			}
			object.PrimaryClass, object.DerivedClass = primary, derived
		case "image":
			if err := r.dec.Decode(&object.Image); err != nil {
				return nil, err
			}
		case "length_um":
			var length float64
			if err := r.dec.Decode(&length); err != nil {
				return nil, err
			}
			object.LengthUM = domain.Def(length)
		case "x":
			if x, err = r.decodeFloats(); err != nil {
				return nil, err
			}
		case "y":
			if y, err = r.decodeFloats(); err != nil {
				return nil, err
			}
		case "z":
			if z, err = r.decodeFloats(); err != nil {
				return nil, err
			}
		case "hemisphere":
			if labels, err = r.decodeLabels(); err != nil {
				return nil, err
			}
		default:
			// Unknown metadata fields are skipped, not errors.
			var discard json.RawMessage
			if err := r.dec.Decode(&discard); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(r.dec, '}'); err != nil {
		return nil, err
	}

	if len(x) != len(y) || len(x) != len(z) {
		return nil, domain.SchemaError{Table: "fibers", Column: "x/y/z"}
	}
	if len(labels) != len(x) {
		return nil, domain.SchemaError{Table: "fibers", Column: "hemisphere"}
	}
	object.Points = len(x)

	for i := 1; i < len(x); i++ {
		if labels[i] != labels[i-1] {
			continue
		}
		dx, dy, dz := x[i]-x[i-1], y[i]-y[i-1], z[i]-z[i-1]
		object.LengthByHemisphere[labels[i]] += math.Sqrt(dx*dx + dy*dy + dz*dz)
	}
	if r.stride > 0 {
		for i := 0; i < len(x); i += r.stride {
			object.Detections = append(object.Detections, domain.Detection{
				AtlasX:       x[i] / 1000,
				AtlasY:       y[i] / 1000,
				AtlasZ:       z[i] / 1000,
				Hemisphere:   labels[i],
				PrimaryClass: object.PrimaryClass,
				DerivedClass: object.DerivedClass,
			})
		}
	}
	return object, nil
}

func (r *Reader) decodeFloats() ([]float64, error) {
	if err := expectDelim(r.dec, '['); err != nil {
		return nil, err
	}
	var out []float64
	for r.dec.More() {
		var f float64
		if err := r.dec.Decode(&f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, expectDelim(r.dec, ']')
}

func (r *Reader) decodeLabels() ([]domain.Hemisphere, error) {
	if err := expectDelim(r.dec, '['); err != nil {
		return nil, err
	}
	var out []domain.Hemisphere
	for r.dec.More() {
		var s string
		if err := r.dec.Decode(&s); err != nil {
			return nil, err
		}
		hemisphere := domain.Hemisphere(s)
		if !hemisphere.Valid() {
			return nil, fmt.Errorf("unknown hemisphere label %q", s)
		}
		out = append(out, hemisphere)
	}
	return out, expectDelim(r.dec, ']')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	token, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := token.(json.Delim)
	if !ok || delim != want {
		return fmt.Errorf("unexpected token %v, want %q", token, want)
	}
	return nil
}
