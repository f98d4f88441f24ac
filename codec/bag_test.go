package codec

import (
	"testing"

	"github.com/acdp-go/acdpcore/coltype"
)

var testWidths = Widths{NobsRowRef: 4, NobsOutrowPtr: 5, NobsRefCount: 2}

func TestFLLenForSimpleInrowFixed(t *testing.T) {
	c := coltype.Simple("n", coltype.VInt, coltype.Inrow, 4, false, false)
	flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, testWidths)
	if flLen != 4 || lengthLen != 0 || sizeLen != 0 || elemLen != 0 {
		t.Fatalf("FLLenFor fixed int = (%d,%d,%d,%d), want (4,0,0,0)", flLen, lengthLen, sizeLen, elemLen)
	}
}

func TestFLLenForSimpleInrowVariable(t *testing.T) {
	c := coltype.Simple("s", coltype.VString, coltype.Inrow, 10, true, false)
	flLen, lengthLen, _, _ := FLLenFor(c, testWidths)
	// lengthLen sized for 10*4 = 40 max bytes -> fits in 1 byte (<=0xff).
	if lengthLen != 1 {
		t.Fatalf("lengthLen = %d, want 1", lengthLen)
	}
	if flLen != lengthLen+c.Length {
		t.Fatalf("flLen = %d, want %d", flLen, lengthLen+c.Length)
	}
}

func TestFLLenForSimpleOutrow(t *testing.T) {
	c := coltype.Simple("s", coltype.VString, coltype.Outrow, 0, true, true)
	flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, testWidths)
	if sizeLen != 0 || elemLen != 0 {
		t.Fatalf("outrow scalar should carry no size/elem width, got sizeLen=%d elemLen=%d", sizeLen, elemLen)
	}
	if flLen != lengthLen+testWidths.NobsOutrowPtr {
		t.Fatalf("flLen = %d, want lengthLen+NobsOutrowPtr = %d", flLen, lengthLen+testWidths.NobsOutrowPtr)
	}
}

func TestFLLenForReference(t *testing.T) {
	c := coltype.Reference("r", "other")
	flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, testWidths)
	if flLen != testWidths.NobsRowRef || lengthLen != 0 || sizeLen != 0 || elemLen != 0 {
		t.Fatalf("FLLenFor reference = (%d,%d,%d,%d), want (%d,0,0,0)", flLen, lengthLen, sizeLen, elemLen, testWidths.NobsRowRef)
	}
}

func TestFLLenForArraySimpleInrow(t *testing.T) {
	c := coltype.ArraySimple("a", coltype.VInt, coltype.Inrow, coltype.Inrow, 4, 8, true, true)
	flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, testWidths)
	if lengthLen != 0 {
		t.Fatalf("inrow array should have no length prefix, got %d", lengthLen)
	}
	wantSizeLen := coltype.NumBytesFor(8)
	if sizeLen != wantSizeLen {
		t.Fatalf("sizeLen = %d, want %d", sizeLen, wantSizeLen)
	}
	if elemLen != 4 {
		t.Fatalf("elemLen = %d, want 4", elemLen)
	}
	nullBitmapBytes := (8 + 7) / 8
	want := sizeLen + nullBitmapBytes + 8*4
	if flLen != want {
		t.Fatalf("flLen = %d, want %d", flLen, want)
	}
}

func TestFLLenForArraySimpleOutrow(t *testing.T) {
	c := coltype.ArraySimple("a", coltype.VInt, coltype.Outrow, coltype.Inrow, 4, 8, true, false)
	flLen, lengthLen, sizeLen, elemLen := FLLenFor(c, testWidths)
	if elemLen != 0 {
		t.Fatalf("outrow array should not report an inrow elemLen, got %d", elemLen)
	}
	if sizeLen != coltype.NumBytesFor(8) {
		t.Fatalf("sizeLen = %d, want %d", sizeLen, coltype.NumBytesFor(8))
	}
	if flLen != lengthLen+testWidths.NobsOutrowPtr {
		t.Fatalf("flLen = %d, want %d", flLen, lengthLen+testWidths.NobsOutrowPtr)
	}
}

func TestFLLenForArrayReferenceInrow(t *testing.T) {
	c := coltype.ArrayReference("a", "other", coltype.Inrow, 10, false)
	flLen, _, sizeLen, elemLen := FLLenFor(c, testWidths)
	if elemLen != testWidths.NobsRowRef {
		t.Fatalf("elemLen = %d, want NobsRowRef %d", elemLen, testWidths.NobsRowRef)
	}
	want := sizeLen + 10*testWidths.NobsRowRef
	if flLen != want {
		t.Fatalf("flLen = %d, want %d", flLen, want)
	}
}

func TestBuildRowShapeNullBitAssignment(t *testing.T) {
	cols := []coltype.Column{
		coltype.Simple("a", coltype.VInt, coltype.Inrow, 4, false, true),   // participates
		coltype.Simple("b", coltype.VInt, coltype.Inrow, 4, false, false), // does not (not nullable)
		coltype.Simple("c", coltype.VString, coltype.Outrow, 0, true, true), // does not (outrow)
		coltype.Reference("d", "other"),                                    // does not
	}
	shape := BuildRowShape(cols, testWidths, 0)
	want := []int{0, -1, -1, -1}
	for i := range want {
		if shape.Columns[i].NullBitIndex != want[i] {
			t.Errorf("column %d NullBitIndex = %d, want %d", i, shape.Columns[i].NullBitIndex, want[i])
		}
	}
	if shape.Bitmap.P != 1 {
		t.Fatalf("shape.Bitmap.P = %d, want 1 (only column a participates)", shape.Bitmap.P)
	}
}

func TestBuildRowShapeOffsetsAreContiguous(t *testing.T) {
	cols := []coltype.Column{
		coltype.Simple("a", coltype.VInt, coltype.Inrow, 4, false, false),
		coltype.Simple("b", coltype.VInt, coltype.Inrow, 8, false, false),
		coltype.Reference("c", "other"),
	}
	shape := BuildRowShape(cols, testWidths, 2)
	wantStart := shape.NBM + shape.RefCount
	if shape.Columns[0].Offset != wantStart {
		t.Fatalf("first column offset = %d, want %d", shape.Columns[0].Offset, wantStart)
	}
	for i := 1; i < len(shape.Columns); i++ {
		prev := shape.Columns[i-1]
		if shape.Columns[i].Offset != prev.Offset+prev.FLLen {
			t.Fatalf("column %d offset = %d, want %d", i, shape.Columns[i].Offset, prev.Offset+prev.FLLen)
		}
	}
	last := shape.Columns[len(shape.Columns)-1]
	if shape.Total != last.Offset+last.FLLen {
		t.Fatalf("shape.Total = %d, want %d", shape.Total, last.Offset+last.FLLen)
	}
	if shape.Body != shape.Total-wantStart {
		t.Fatalf("shape.Body = %d, want %d", shape.Body, shape.Total-wantStart)
	}
}
