package tree

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf16"
)

// encodeCanonical renders manifest entries as the exact byte form that
// gets digested: a JSON array of objects with ", " between members and
// ": " between key and value, keys pre-sorted by the caller, and
// non-ASCII runes escaped as \uXXXX. Any drift here changes every
// directory oid, so the format is frozen.
func encodeCanonical(entries [][]field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, fields := range entries {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteByte('{')
		for j, f := range fields {
			if j > 0 {
				buf.WriteString(", ")
			}
			encodeString(&buf, f.key)
			buf.WriteString(": ")
			if err := encodeValue(&buf, f.value); err != nil {
				return nil, err
			}
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		encodeString(buf, x)
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case int:
		buf.WriteString(strconv.Itoa(x))
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unsupported manifest value type %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20:
				fmt.Fprintf(buf, `\u%04x`, r)
			case r < 0x7f:
				buf.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(buf, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(buf, `\u%04x`, r)
			}
		}
	}
	buf.WriteByte('"')
}
