// Package tnetstring implements the tagged netstring format Mongrel2 uses
// for request headers, bodies and filter options. A tnetstring is
// <length>":"<payload><tag>, where the tag selects the payload type.
package tnetstring

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
)

// Type tags.
const (
	tagString = ','
	tagInt    = '#'
	tagFloat  = '^'
	tagBool   = '!'
	tagNull   = '~'
	tagDict   = '}'
	tagList   = ']'
)

// maxLengthDigits bounds the decimal length prefix; Mongrel2 itself caps
// payloads far below what ten digits can express.
const maxLengthDigits = 10

// Error is returned for any malformed tnetstring input.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "tnetstring: " + e.Reason
}

func errf(format string, args ...any) error {
	return &Error{Reason: fmt.Sprintf(format, args...)}
}

// Parse decodes the first tnetstring in data and returns the decoded value
// together with the unconsumed remainder. Decoded types are string, int64,
// *big.Int (when the payload exceeds int64), float64, bool, nil,
// map[string]any and []any.
//
// Duplicate dictionary keys are legal; the last occurrence wins.
func Parse(data []byte) (any, []byte, error) {
	payload, tag, rest, err := split(data)
	if err != nil {
		return nil, nil, err
	}

	switch tag {
	case tagString:
		return string(payload), rest, nil

	case tagInt:
		v, err := parseInt(payload)
		if err != nil {
			return nil, nil, err
		}
		return v, rest, nil

	case tagFloat:
		f, err := strconv.ParseFloat(string(payload), 64)
		if err != nil {
			return nil, nil, errf("bad float payload %q", payload)
		}
		return f, rest, nil

	case tagBool:
		switch string(payload) {
		case "true":
			return true, rest, nil
		case "false":
			return false, rest, nil
		}
		return nil, nil, errf("bad boolean payload %q", payload)

	case tagNull:
		if len(payload) != 0 {
			return nil, nil, errf("null must have empty payload, got %d bytes", len(payload))
		}
		return nil, rest, nil

	case tagDict:
		d, err := parseDict(payload)
		if err != nil {
			return nil, nil, err
		}
		return d, rest, nil

	case tagList:
		l, err := parseList(payload)
		if err != nil {
			return nil, nil, err
		}
		return l, rest, nil
	}

	return nil, nil, errf("unknown type tag %q", tag)
}

// split carves one raw tnetstring off the front of data.
func split(data []byte) (payload []byte, tag byte, rest []byte, err error) {
	colon := bytes.IndexByte(data, ':')
	if colon < 1 {
		return nil, 0, nil, errf("missing length prefix")
	}
	if colon > maxLengthDigits {
		return nil, 0, nil, errf("length prefix longer than %d digits", maxLengthDigits)
	}

	for _, c := range data[:colon] {
		if c < '0' || c > '9' {
			return nil, 0, nil, errf("non-digit %q in length prefix", c)
		}
	}

	n, err := strconv.Atoi(string(data[:colon]))
	if err != nil {
		return nil, 0, nil, errf("bad length prefix %q", data[:colon])
	}

	// payload plus the trailing type tag must fit
	if len(data) < colon+1+n+1 {
		return nil, 0, nil, errf("truncated: need %d payload bytes, have %d", n+1, len(data)-colon-1)
	}

	payload = data[colon+1 : colon+1+n]
	tag = data[colon+1+n]
	rest = data[colon+2+n:]
	return payload, tag, rest, nil
}

func parseInt(payload []byte) (any, error) {
	if len(payload) == 0 {
		return nil, errf("empty integer payload")
	}
	s := string(payload)

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}

	// integers are arbitrary precision decimal
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errf("bad integer payload %q", payload)
	}
	return b, nil
}

func parseDict(payload []byte) (map[string]any, error) {
	d := make(map[string]any)
	for len(payload) > 0 {
		k, rest, err := Parse(payload)
		if err != nil {
			return nil, err
		}
		key, ok := k.(string)
		if !ok {
			return nil, errf("dictionary key must be a string, got %T", k)
		}
		if len(rest) == 0 {
			return nil, errf("dictionary key %q has no value", key)
		}
		v, rest, err := Parse(rest)
		if err != nil {
			return nil, err
		}
		d[key] = v
		payload = rest
	}
	return d, nil
}

func parseList(payload []byte) ([]any, error) {
	l := []any{}
	for len(payload) > 0 {
		v, rest, err := Parse(payload)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
		payload = rest
	}
	return l, nil
}

// Encode serialises v as a tnetstring. Accepted types mirror what Parse
// produces, plus []byte, the fixed-width int variants and map[string]string
// for convenience.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("0:~")

	case string:
		writeFrame(buf, []byte(x), tagString)

	case []byte:
		writeFrame(buf, x, tagString)

	case bool:
		if x {
			writeFrame(buf, []byte("true"), tagBool)
		} else {
			writeFrame(buf, []byte("false"), tagBool)
		}

	case int:
		writeFrame(buf, strconv.AppendInt(nil, int64(x), 10), tagInt)
	case int32:
		writeFrame(buf, strconv.AppendInt(nil, int64(x), 10), tagInt)
	case int64:
		writeFrame(buf, strconv.AppendInt(nil, x, 10), tagInt)
	case uint64:
		writeFrame(buf, strconv.AppendUint(nil, x, 10), tagInt)
	case *big.Int:
		writeFrame(buf, []byte(x.String()), tagInt)

	case float64:
		writeFrame(buf, strconv.AppendFloat(nil, x, 'f', -1, 64), tagFloat)

	case map[string]any:
		inner := new(bytes.Buffer)
		for k, val := range x {
			writeFrame(inner, []byte(k), tagString)
			if err := encodeTo(inner, val); err != nil {
				return err
			}
		}
		writeFrame(buf, inner.Bytes(), tagDict)

	case map[string]string:
		inner := new(bytes.Buffer)
		for k, val := range x {
			writeFrame(inner, []byte(k), tagString)
			writeFrame(inner, []byte(val), tagString)
		}
		writeFrame(buf, inner.Bytes(), tagDict)

	case []any:
		inner := new(bytes.Buffer)
		for _, val := range x {
			if err := encodeTo(inner, val); err != nil {
				return err
			}
		}
		writeFrame(buf, inner.Bytes(), tagList)

	default:
		return errf("cannot encode %T", v)
	}
	return nil
}

func writeFrame(buf *bytes.Buffer, payload []byte, tag byte) {
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteByte(':')
	buf.Write(payload)
	buf.WriteByte(tag)
}
