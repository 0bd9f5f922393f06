package chainhash

import "testing"

func TestPrefix8Deterministic(t *testing.T) {
	h := DoubleHashH([]byte("hello"))
	p1 := Prefix8(h)
	p2 := Prefix8(h)
	if p1 != p2 {
		t.Fatalf("Prefix8 not deterministic: %v != %v", p1, p2)
	}
}

func TestHash8Length(t *testing.T) {
	p := Hash8([]byte("dagur#563836"))
	if len(p) != 8 {
		t.Fatalf("expected 8-byte prefix, got %d", len(p))
	}
}

func TestNewHashFromStrRoundTrip(t *testing.T) {
	h := DoubleHashH([]byte("round trip"))
	s := HexBE(h)
	h2, err := NewHashFromStr(s)
	if err != nil {
		t.Fatal(err)
	}
	if h != h2 {
		t.Fatalf("round trip mismatch: %v != %v", h, h2)
	}
}
