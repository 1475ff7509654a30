package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"
)

// Table is an AMQP field table. Keys are short strings; values are one of
// bool, int8, uint8, int16, uint16, int32, uint32, int64, int, float32,
// float64, string, []byte, Decimal, time.Time, Table, []interface{} or nil.
type Table map[string]interface{}

// Decimal is the AMQP decimal-value field type: Value / 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

var errShortStringTooLong = errors.New("short string exceeds 255 bytes")

// ReadShortString reads a length-prefixed (uint8) string.
func ReadShortString(r io.Reader) (string, error) {
	var n [1]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return "", err
	}
	buf := make([]byte, n[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a length-prefixed (uint8) string.
func WriteShortString(w io.Writer, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("%w: %d", errShortStringTooLong, len(s))
	}
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a length-prefixed (uint32) byte string.
func ReadLongString(r io.Reader) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a length-prefixed (uint32) byte string.
func WriteLongString(w io.Writer, data []byte) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(data)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads a field table. An empty table decodes to a non-nil Table.
func ReadTable(r io.Reader) (Table, error) {
	raw, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}
	table := Table{}
	br := bytes.NewReader(raw)
	for br.Len() > 0 {
		name, err := ReadShortString(br)
		if err != nil {
			return nil, fmt.Errorf("table key: %w", err)
		}
		value, err := readField(br)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes a field table. Keys are written in sorted order so the
// encoding of a given table is stable.
func WriteTable(w io.Writer, table Table) error {
	var body bytes.Buffer
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := WriteShortString(&body, k); err != nil {
			return err
		}
		if err := writeField(&body, table[k]); err != nil {
			return fmt.Errorf("table field %q: %w", k, err)
		}
	}
	return WriteLongString(w, body.Bytes())
}

func readField(r *bytes.Reader) (interface{}, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch kind {
	case 't':
		b, err := r.ReadByte()
		return b != 0, err
	case 'b':
		b, err := r.ReadByte()
		return int8(b), err
	case 'B':
		return r.ReadByte()
	case 's':
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'u':
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'I':
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'i':
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'l':
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'f':
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'd':
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'D':
		var d Decimal
		if err := binary.Read(r, binary.BigEndian, &d.Scale); err != nil {
			return nil, err
		}
		err := binary.Read(r, binary.BigEndian, &d.Value)
		return d, err
	case 'S':
		s, err := ReadLongString(r)
		return string(s), err
	case 'x':
		return ReadLongString(r)
	case 'T':
		var sec int64
		if err := binary.Read(r, binary.BigEndian, &sec); err != nil {
			return nil, err
		}
		return time.Unix(sec, 0), nil
	case 'F':
		return ReadTable(r)
	case 'A':
		raw, err := ReadLongString(r)
		if err != nil {
			return nil, err
		}
		ar := bytes.NewReader(raw)
		values := []interface{}{}
		for ar.Len() > 0 {
			v, err := readField(ar)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	case 'V':
		return nil, nil
	}
	return nil, fmt.Errorf("unknown field type %q", kind)
}

func writeField(buf *bytes.Buffer, value interface{}) error {
	put := func(kind byte, v interface{}) error {
		buf.WriteByte(kind)
		return binary.Write(buf, binary.BigEndian, v)
	}

	switch v := value.(type) {
	case nil:
		return buf.WriteByte('V')
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return put('t', b)
	case int8:
		return put('b', v)
	case uint8:
		return put('B', v)
	case int16:
		return put('s', v)
	case uint16:
		return put('u', v)
	case int32:
		return put('I', v)
	case uint32:
		return put('i', v)
	case int64:
		return put('l', v)
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return put('I', int32(v))
		}
		return put('l', int64(v))
	case float32:
		return put('f', v)
	case float64:
		return put('d', v)
	case Decimal:
		buf.WriteByte('D')
		buf.WriteByte(v.Scale)
		return binary.Write(buf, binary.BigEndian, v.Value)
	case string:
		buf.WriteByte('S')
		return WriteLongString(buf, []byte(v))
	case []byte:
		buf.WriteByte('x')
		return WriteLongString(buf, v)
	case time.Time:
		return put('T', v.Unix())
	case Table:
		buf.WriteByte('F')
		return WriteTable(buf, v)
	case map[string]interface{}:
		buf.WriteByte('F')
		return WriteTable(buf, Table(v))
	case []interface{}:
		var items bytes.Buffer
		for _, item := range v {
			if err := writeField(&items, item); err != nil {
				return err
			}
		}
		buf.WriteByte('A')
		return WriteLongString(buf, items.Bytes())
	}
	return fmt.Errorf("unsupported field value type %T", value)
}
