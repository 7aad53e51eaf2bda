package cellkey

import (
	"bytes"
	"math/rand"
	"testing"
)

func randCell(r *rand.Rand) *Cell {
	row := make([]byte, 1+r.Intn(8))
	for i := range row {
		row[i] = byte(1 + r.Intn(254)) // avoid embedded NUL
	}
	qual := make([]byte, r.Intn(8))
	for i := range qual {
		qual[i] = byte(1 + r.Intn(254))
	}
	flags := []Flag{DeleteRow, DeleteColumnFamily, DeleteCell, DeleteCellVersion, Insert}
	return &Cell{
		Row:       row,
		Family:    uint8(r.Intn(4)),
		Qualifier: qual,
		Timestamp: r.Int63n(1 << 40),
		Revision:  r.Int63n(1 << 40),
		Flag:      flags[r.Intn(len(flags))],
	}
}

// TestKeyOrderMatchesLogicalOrder is §8 property 1: for random cells across
// all flag values and both time orders, memcmp on the serialized key agrees
// with the logical ordering defined in §3.
func TestKeyOrderMatchesLogicalOrder(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, order := range []TimeOrder{TimeOrderAscending, TimeOrderDescending} {
		for i := 0; i < 500; i++ {
			a := randCell(r)
			b := randCell(r)
			ka, err := Encode(a, order)
			if err != nil {
				t.Fatal(err)
			}
			kb, err := Encode(b, order)
			if err != nil {
				t.Fatal(err)
			}
			got := bytes.Compare(ka, kb)
			want := logicalCompare(a, b, order)
			if sign(got) != sign(want) {
				t.Fatalf("order mismatch: a=%+v b=%+v memcmp=%d logical=%d", a, b, got, want)
			}
		}
	}
}

func sign(x int) int {
	if x < 0 {
		return -1
	}
	if x > 0 {
		return 1
	}
	return 0
}

// logicalCompare implements §3's ordering directly (independent of the byte
// encoding) for cross-checking.
func logicalCompare(a, b *Cell, order TimeOrder) int {
	if c := bytes.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if a.Family != b.Family {
		if a.Family < b.Family {
			return -1
		}
		return 1
	}
	if c := bytes.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	if a.Flag != b.Flag {
		if a.Flag < b.Flag {
			return -1
		}
		return 1
	}
	// timestamp: descending order means "more recent sorts first"
	if a.Timestamp != b.Timestamp {
		if order == TimeOrderDescending {
			if a.Timestamp > b.Timestamp {
				return -1
			}
			return 1
		}
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	// revision always newest-first
	if a.Revision != b.Revision {
		if a.Revision > b.Revision {
			return -1
		}
		return 1
	}
	return 0
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for _, order := range []TimeOrder{TimeOrderAscending, TimeOrderDescending} {
		for i := 0; i < 200; i++ {
			c := randCell(r)
			buf, err := Encode(c, order)
			if err != nil {
				t.Fatal(err)
			}
			got, err := Decode(buf, order)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got.Row, c.Row) || got.Family != c.Family || !bytes.Equal(got.Qualifier, c.Qualifier) ||
				got.Flag != c.Flag || got.Timestamp != c.Timestamp || got.Revision != c.Revision {
				t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
			}
		}
	}
}

func TestCounterEncodeDecode(t *testing.T) {
	for _, tc := range []struct {
		v  int64
		op CounterOp
	}{{0, CounterAdd}, {42, CounterAdd}, {-7, CounterAdd}, {0, CounterReset}} {
		c := &Cell{Value: EncodeCounter(tc.v, tc.op), FamilyCounter: true}
		if !c.IsCounter() {
			t.Fatal("expected counter cell")
		}
		v, op := c.CounterValue()
		if v != tc.v || op != tc.op {
			t.Fatalf("got (%d,%c) want (%d,%c)", v, op, tc.v, tc.op)
		}
	}
}

func TestRowPrefixUpperBound(t *testing.T) {
	up := RowPrefixUpperBound([]byte("abc"))
	if string(up) != "abd" {
		t.Fatalf("got %q", up)
	}
	up = RowPrefixUpperBound([]byte{0xff, 0xff})
	if len(up) != 3 || up[2] != 0xff {
		t.Fatalf("got %v", up)
	}
}
