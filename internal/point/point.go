// Package point defines the Data Point that flows from pullers to the
// writer: a measurement name, a tag set, a set of named field values, and a
// timestamp.
//
// Points are immutable once built by New. The constructor copies the maps it
// is given and normalizes field values to the small set of types every sink
// can persist: int64, uint64, float64, bool, and string.
package point

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNoMeasurement is returned when a point has an empty measurement name.
	ErrNoMeasurement = errors.New("point: measurement is required")
	// ErrUnsupportedValue is returned when a field value cannot be normalized.
	ErrUnsupportedValue = errors.New("point: unsupported field value")
)

// Point is a tagged, timestamped set of named field values.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Time        time.Time
}

// New builds a Point, copying tags and fields and normalizing field values.
func New(measurement string, tags map[string]string, fields map[string]any, t time.Time) (Point, error) {
	if measurement == "" {
		return Point{}, ErrNoMeasurement
	}

	p := Point{
		Measurement: measurement,
		Tags:        make(map[string]string, len(tags)),
		Fields:      make(map[string]any, len(fields)),
		Time:        t,
	}
	for k, v := range tags {
		p.Tags[k] = v
	}
	for k, v := range fields {
		nv, err := NormalizeValue(v)
		if err != nil {
			return Point{}, fmt.Errorf("field %q: %w", k, err)
		}
		p.Fields[k] = nv
	}
	return p, nil
}

// NormalizeValue converts v to one of int64, uint64, float64, bool, or string.
// NaN and infinities are rejected because no sink can store them.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case int64, uint64, bool, string:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedValue, x)
		}
		return x, nil
	case float32:
		return NormalizeValue(float64(x))
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case []byte:
		return string(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedValue, x.String())
		}
		return NormalizeValue(f)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// SortedTagKeys returns the tag keys in lexical order.
func (p Point) SortedTagKeys() []string {
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// SortedFieldKeys returns the field keys in lexical order.
func (p Point) SortedFieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// String renders the point for humans, e.g.
//
//	temp{room=lab1} celsius=21.5 @ 2026-01-02T03:04:05Z
func (p Point) String() string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	b.WriteByte('{')
	for i, k := range p.SortedTagKeys() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Tags[k])
	}
	b.WriteByte('}')
	for _, k := range p.SortedFieldKeys() {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(p.Fields[k]))
	}
	b.WriteString(" @ ")
	b.WriteString(p.Time.UTC().Format(time.RFC3339Nano))
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strconv.Quote(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
