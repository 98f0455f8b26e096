package sink

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"labrecorder/internal/point"
)

// Format is the encoding of a point in message-oriented sinks.
type Format string

const (
	// FormatLine is one line of InfluxDB line protocol, without the newline.
	FormatLine Format = "line"
	// FormatMsgpack is a msgpack map with measurement, tags, fields and a
	// nanosecond unix timestamp.
	FormatMsgpack Format = "msgpack"
)

// ParseFormat parses the "format" param. Empty means FormatLine.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatLine:
		return FormatLine, nil
	case FormatMsgpack:
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q (supported: line, msgpack)", ErrInvalidParams, s)
	}
}

// ContentType is the MIME type of the encoding.
func (f Format) ContentType() string {
	if f == FormatMsgpack {
		return "application/msgpack"
	}
	return "text/plain; charset=utf-8"
}

type msgpackPoint struct {
	Measurement string            `msgpack:"measurement"`
	Tags        map[string]string `msgpack:"tags,omitempty"`
	Fields      map[string]any    `msgpack:"fields"`
	Time        int64             `msgpack:"time"`
}

// Encode renders p in format f.
func Encode(f Format, p point.Point) ([]byte, error) {
	switch f {
	case FormatMsgpack:
		return msgpack.Marshal(msgpackPoint{
			Measurement: p.Measurement,
			Tags:        p.Tags,
			Fields:      p.Fields,
			Time:        p.Time.UnixNano(),
		})
	default:
		line, err := point.AppendLine(nil, p)
		if err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(line, []byte("\n")), nil
	}
}

// Decode parses a payload produced by Encode.
func Decode(f Format, data []byte) (point.Point, error) {
	if f != FormatMsgpack {
		return point.ParseLine(data)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	var mp msgpackPoint
	if err := dec.Decode(&mp); err != nil {
		return point.Point{}, fmt.Errorf("decode msgpack point: %w", err)
	}
	return point.New(mp.Measurement, mp.Tags, mp.Fields, time.Unix(0, mp.Time).UTC())
}
