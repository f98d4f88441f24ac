package codec

import (
	"fmt"

	"github.com/acdp-go/acdpcore/acdperr"
	"github.com/acdp-go/acdpcore/coltype"
)

// toInt64 coerces the family of Go integer kinds a caller might pass for a
// VInt column into an int64, without requiring callers to box exactly int64.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

// putFixed writes v as a big-endian two's-complement integer into the low
// len(buf) bytes, matching the width a VInt column was declared with.
func putFixed(buf []byte, v int64) {
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

func getFixed(buf []byte) int64 {
	var v int64
	if len(buf) > 0 && buf[0]&0x80 != 0 {
		v = -1 // sign-extend
	}
	for _, b := range buf {
		v = (v << 8) | int64(b&0xff)
	}
	return v
}

// encodeFixed writes a scalar value into exactly n bytes (n == fixedValueLen(c)).
func encodeFixed(c coltype.Column, v interface{}, n int) ([]byte, error) {
	buf := make([]byte, n)
	switch c.Value {
	case coltype.VBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants bool, got %T", c.Name, v)
		}
		if b {
			buf[0] = 1
		}
	case coltype.VInt:
		i, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants int, got %T", c.Name, v)
		}
		putFixed(buf, i)
	case coltype.VBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants []byte, got %T", c.Name, v)
		}
		if len(b) > n {
			return nil, acdperr.Capacity("column-value-length:"+c.Name, int64(len(b)), int64(n))
		}
		copy(buf, b)
	case coltype.VString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants string, got %T", c.Name, v)
		}
		bs := []byte(s)
		if len(bs) > n {
			return nil, acdperr.Capacity("column-value-length:"+c.Name, int64(len(bs)), int64(n))
		}
		copy(buf, bs)
	default:
		return nil, fmt.Errorf("codec: column %q has unknown value kind", c.Name)
	}
	return buf, nil
}

// decodeFixed is encodeFixed's inverse. For VString/VBytes this returns the
// whole n-byte region including any trailing zero padding a shorter value
// left behind; callers that declared a non-variable fixed-width column are
// expected to always write exactly n significant bytes.
func decodeFixed(c coltype.Column, buf []byte) (interface{}, error) {
	switch c.Value {
	case coltype.VBool:
		return buf[0] != 0, nil
	case coltype.VInt:
		return getFixed(buf), nil
	case coltype.VBytes:
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	case coltype.VString:
		return string(buf), nil
	}
	return nil, fmt.Errorf("codec: column %q has unknown value kind", c.Name)
}

// encodeVariable writes v as a variable-length byte slice with no fixed
// width, used for OUTROW ST payloads (spec §4.3 OUTROW case).
func encodeVariable(c coltype.Column, v interface{}) ([]byte, error) {
	switch c.Value {
	case coltype.VBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants []byte, got %T", c.Name, v)
		}
		return b, nil
	case coltype.VString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants string, got %T", c.Name, v)
		}
		return []byte(s), nil
	case coltype.VInt:
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("codec: column %q wants int, got %T", c.Name, v)
		}
		w := c.Length
		if w <= 0 {
			w = 8
		}
		buf := make([]byte, w)
		putFixed(buf, n)
		return buf, nil
	case coltype.VBool:
		if b, ok := v.(bool); ok {
			if b {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		}
		return nil, fmt.Errorf("codec: column %q wants bool, got %T", c.Name, v)
	}
	return nil, fmt.Errorf("codec: column %q has unknown value kind", c.Name)
}

func decodeVariable(c coltype.Column, buf []byte) (interface{}, error) {
	switch c.Value {
	case coltype.VBytes:
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	case coltype.VString:
		return string(buf), nil
	case coltype.VInt:
		return getFixed(buf), nil
	case coltype.VBool:
		return len(buf) > 0 && buf[0] != 0, nil
	}
	return nil, fmt.Errorf("codec: column %q has unknown value kind", c.Name)
}
