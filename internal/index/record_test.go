package index

import (
	"errors"
	"testing"

	"github.com/calvinalkan/diskache/internal/entrymeta"
)

func Test_EncodeDecode_Roundtrips_Correctly_For_Every_Op(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  *Record
	}{
		{name: "put", rec: &Record{Op: OpPut, Seq: 1, Key: "k", Meta: &entrymeta.Meta{Key: "k", Size: 5}}},
		{name: "del", rec: &Record{Op: OpDel, Seq: 2, Key: "k"}},
		{name: "touch", rec: &Record{Op: OpTouch, Seq: 3, Key: "k", Meta: &entrymeta.Meta{ExpiresAt: 99}}},
		{name: "clear", rec: &Record{Op: OpClear, Seq: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := Encode(tt.rec)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}

			got, n, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			if n != len(buf) {
				t.Errorf("Decode() consumed %d bytes, want %d", n, len(buf))
			}

			if got.Op != tt.rec.Op || got.Seq != tt.rec.Seq || got.Key != tt.rec.Key {
				t.Errorf("Decode() = %+v, want %+v", got, tt.rec)
			}
		})
	}
}

func Test_Decode_Fails_When_Magic_Wrong(t *testing.T) {
	t.Parallel()

	buf, err := Encode(&Record{Op: OpDel, Seq: 1, Key: "k"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	buf[0] ^= 0xFF

	_, _, err = Decode(buf)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Decode() error = %v, want ErrMalformedRecord", err)
	}
}

func Test_Decode_Fails_When_CRC_Mismatches(t *testing.T) {
	t.Parallel()

	buf, err := Encode(&Record{Op: OpDel, Seq: 1, Key: "k"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	buf[len(buf)-1] ^= 0xFF

	_, _, err = Decode(buf)
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Decode() error = %v, want ErrMalformedRecord", err)
	}
}

func Test_Decode_Reports_Truncated_Header_On_Short_Buffer(t *testing.T) {
	t.Parallel()

	_, _, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrMalformedRecord) {
		t.Fatalf("Decode() error = %v, want ErrMalformedRecord", err)
	}
}

func Test_Op_String_Names_Every_Known_Op(t *testing.T) {
	t.Parallel()

	for op, want := range map[Op]string{OpPut: "PUT", OpDel: "DEL", OpTouch: "TOUCH", OpClear: "CLEAR"} {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, got, want)
		}
	}
}
