package codec

import (
	"bytes"
	"testing"

	"github.com/acdp-go/acdpcore/coltype"
)

func TestEncodeDecodeFixedBool(t *testing.T) {
	c := coltype.Column{Name: "b", Value: coltype.VBool}
	for _, v := range []bool{true, false} {
		buf, err := encodeFixed(c, v, 1)
		if err != nil {
			t.Fatalf("encodeFixed(%v): %v", v, err)
		}
		got, err := decodeFixed(c, buf)
		if err != nil {
			t.Fatalf("decodeFixed: %v", err)
		}
		if got != v {
			t.Errorf("round trip bool %v -> %v", v, got)
		}
	}
}

func TestEncodeDecodeFixedIntSignExtension(t *testing.T) {
	c := coltype.Column{Name: "i", Value: coltype.VInt}
	cases := []int64{0, 1, -1, 127, -128, 32767, -32768}
	for _, v := range cases {
		buf, err := encodeFixed(c, v, 8)
		if err != nil {
			t.Fatalf("encodeFixed(%d): %v", v, err)
		}
		got, err := decodeFixed(c, buf)
		if err != nil {
			t.Fatalf("decodeFixed: %v", err)
		}
		if got.(int64) != v {
			t.Errorf("round trip int %d -> %d", v, got)
		}
	}
}

func TestEncodeFixedBytesTooLong(t *testing.T) {
	c := coltype.Column{Name: "bs", Value: coltype.VBytes}
	_, err := encodeFixed(c, []byte{1, 2, 3, 4}, 2)
	if err == nil {
		t.Fatal("expected a capacity error when the value exceeds the fixed width")
	}
}

func TestEncodeDecodeFixedString(t *testing.T) {
	c := coltype.Column{Name: "s", Value: coltype.VString}
	buf, err := encodeFixed(c, "hi", 5)
	if err != nil {
		t.Fatalf("encodeFixed: %v", err)
	}
	if !bytes.Equal(buf, []byte{'h', 'i', 0, 0, 0}) {
		t.Fatalf("encodeFixed string padding = %v, want trailing zero pad", buf)
	}
	got, err := decodeFixed(c, buf)
	if err != nil {
		t.Fatalf("decodeFixed: %v", err)
	}
	if got.(string) != "hi\x00\x00\x00" {
		t.Errorf("decodeFixed string = %q", got)
	}
}

func TestEncodeDecodeVariableBytes(t *testing.T) {
	c := coltype.Column{Name: "bs", Value: coltype.VBytes}
	raw, err := encodeVariable(c, []byte("hello world"))
	if err != nil {
		t.Fatalf("encodeVariable: %v", err)
	}
	got, err := decodeVariable(c, raw)
	if err != nil {
		t.Fatalf("decodeVariable: %v", err)
	}
	if !bytes.Equal(got.([]byte), []byte("hello world")) {
		t.Errorf("round trip bytes = %v", got)
	}
}

func TestEncodeDecodeVariableString(t *testing.T) {
	c := coltype.Column{Name: "s", Value: coltype.VString}
	raw, err := encodeVariable(c, "unicode: éè")
	if err != nil {
		t.Fatalf("encodeVariable: %v", err)
	}
	got, err := decodeVariable(c, raw)
	if err != nil {
		t.Fatalf("decodeVariable: %v", err)
	}
	if got.(string) != "unicode: éè" {
		t.Errorf("round trip string = %q", got)
	}
}

func TestEncodeVariableWrongType(t *testing.T) {
	c := coltype.Column{Name: "i", Value: coltype.VInt}
	if _, err := encodeVariable(c, "not an int"); err == nil {
		t.Fatal("expected a type error")
	}
}

func TestToInt64Coercion(t *testing.T) {
	cases := []interface{}{int64(5), int(5), int32(5), uint64(5), uint32(5)}
	for _, v := range cases {
		got, ok := toInt64(v)
		if !ok || got != 5 {
			t.Errorf("toInt64(%T(%v)) = (%d,%v), want (5,true)", v, v, got, ok)
		}
	}
	if _, ok := toInt64("not a number"); ok {
		t.Fatal("toInt64 should reject non-integer types")
	}
}
