package point

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"
)

// The on-disk and on-wire line schema is InfluxDB line protocol with
// nanosecond timestamps:
//
//	measurement[,tag=value...] field=value[,field=value...] unix_nanos\n
//
// Line protocol escapes separators and newlines inside names and string
// values, so every encoded point occupies exactly one line.

// AppendLine appends the line-protocol encoding of p, including the trailing
// newline, to dst.
func AppendLine(dst []byte, p Point) ([]byte, error) {
	if len(p.Fields) == 0 {
		return dst, fmt.Errorf("encode %s: point has no fields", p.Measurement)
	}

	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)
	enc.StartLine(p.Measurement)
	for _, k := range p.SortedTagKeys() {
		enc.AddTag(k, p.Tags[k])
	}
	for _, k := range p.SortedFieldKeys() {
		v, ok := lineprotocol.NewValue(p.Fields[k])
		if !ok {
			return dst, fmt.Errorf("encode %s: field %q: %w: %T", p.Measurement, k, ErrUnsupportedValue, p.Fields[k])
		}
		enc.AddField(k, v)
	}
	enc.EndLine(p.Time)
	if err := enc.Err(); err != nil {
		return dst, fmt.Errorf("encode %s: %w", p.Measurement, err)
	}
	line := enc.Bytes()
	if bytes.IndexByte(line[:len(line)-1], '\n') >= 0 {
		return dst, fmt.Errorf("encode %s: value contains an unescaped newline", p.Measurement)
	}
	return append(dst, line...), nil
}

// ParseLine decodes a single line-protocol line. A trailing newline is
// allowed.
func ParseLine(line []byte) (Point, error) {
	dec := lineprotocol.NewDecoderWithBytes(line)
	if !dec.Next() {
		return Point{}, fmt.Errorf("parse line: empty input")
	}
	p, err := decodeOne(dec)
	if err != nil {
		return Point{}, err
	}
	if dec.Next() {
		return Point{}, fmt.Errorf("parse line: more than one point in input")
	}
	return p, nil
}

// Decode iterates over every point in r. Iteration stops at the first
// decoding error, which is yielded together with the zero Point.
func Decode(r io.Reader) iter.Seq2[Point, error] {
	return func(yield func(Point, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			raw := bytes.TrimSpace(sc.Bytes())
			if len(raw) == 0 || raw[0] == '#' {
				continue
			}
			p, err := ParseLine(raw)
			if err != nil {
				yield(Point{}, fmt.Errorf("line %d: %w", lineNo, err))
				return
			}
			if !yield(p, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Point{}, err)
		}
	}
}

func decodeOne(dec *lineprotocol.Decoder) (Point, error) {
	m, err := dec.Measurement()
	if err != nil {
		return Point{}, fmt.Errorf("parse measurement: %w", err)
	}
	p := Point{
		Measurement: string(m),
		Tags:        make(map[string]string),
		Fields:      make(map[string]any),
	}
	for {
		k, v, err := dec.NextTag()
		if err != nil {
			return Point{}, fmt.Errorf("parse tag: %w", err)
		}
		if k == nil {
			break
		}
		p.Tags[string(k)] = string(v)
	}
	for {
		k, v, err := dec.NextField()
		if err != nil {
			return Point{}, fmt.Errorf("parse field: %w", err)
		}
		if k == nil {
			break
		}
		p.Fields[string(k)] = v.Interface()
	}
	t, err := dec.Time(lineprotocol.Nanosecond, time.Time{})
	if err != nil {
		return Point{}, fmt.Errorf("parse timestamp: %w", err)
	}
	p.Time = t
	return p, nil
}
