package ftn

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		zone    int
		net     int
		node    int
		point   int
		domain  string
		wantErr bool
	}{
		{"1:103/705", 1, 103, 705, 0, "", false},
		{"1:103/705.0", 1, 103, 705, 0, "", false},
		{"1:103/705.2", 1, 103, 705, 2, "", false},
		{"21:3/110", 21, 3, 110, 0, "", false},
		{"2:5020/1042.1", 2, 5020, 1042, 1, "", false},
		{"21:4/158@fsxnet", 21, 4, 158, 0, "fsxnet", false},
		{" 1:1/100 ", 1, 1, 100, 0, "", false},
		{"invalid", 0, 0, 0, 0, "", true},
		{"1:2", 0, 0, 0, 0, "", true},
		{"abc:def/ghi", 0, 0, 0, 0, "", true},
		{"1:-1/5", 0, 0, 0, 0, "", true},
		{"1:103/705.65535", 1, 103, 705, 65535, "", false},
		{"1:103/705.65536", 0, 0, 0, 0, "", true},
		{"65536:1/1", 0, 0, 0, 0, "", true},
		{"1:1/", 0, 0, 0, 0, "", true},
		{"1:1/1@", 0, 0, 0, 0, "", true},
		{"", 0, 0, 0, 0, "", true},
	}

	for _, tt := range tests {
		addr, err := ParseAddress(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) expected error", tt.input)
				continue
			}
			var perr *AddressParseError
			if !errors.As(err, &perr) {
				t.Errorf("ParseAddress(%q) error %T, want *AddressParseError", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if addr.Zone != tt.zone || addr.Net != tt.net || addr.Node != tt.node || addr.Point != tt.point || addr.Domain != tt.domain {
			t.Errorf("ParseAddress(%q) = %+v, want %d:%d/%d.%d@%s",
				tt.input, addr, tt.zone, tt.net, tt.node, tt.point, tt.domain)
		}
	}
}

func TestAddressString(t *testing.T) {
	tests := []struct {
		addr Address
		full string
		d2   string
		d4   string
	}{
		{Address{Zone: 1, Net: 103, Node: 705}, "1:103/705", "103/705", "1:103/705.0"},
		{Address{Zone: 1, Net: 103, Node: 705, Point: 2}, "1:103/705.2", "103/705", "1:103/705.2"},
		{Address{Zone: 21, Net: 3, Node: 110, Domain: "fsxnet"}, "21:3/110@fsxnet", "3/110", "21:3/110.0"},
	}

	for _, tt := range tests {
		if got := tt.addr.String(); got != tt.full {
			t.Errorf("String() = %q, want %q", got, tt.full)
		}
		if got := tt.addr.String2D(); got != tt.d2 {
			t.Errorf("String2D() = %q, want %q", got, tt.d2)
		}
		if got := tt.addr.String4D(); got != tt.d4 {
			t.Errorf("String4D() = %q, want %q", got, tt.d4)
		}
	}
}

func TestAddressRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a := Address{
			Zone:  rng.Intn(0x10000),
			Net:   rng.Intn(0x10000),
			Node:  rng.Intn(0x10000),
			Point: rng.Intn(2) * rng.Intn(0x10000),
		}
		if rng.Intn(4) == 0 {
			a.Domain = "net" + fmt.Sprint(rng.Intn(10))
		}
		s := a.String()
		first, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", s, err)
		}
		second, err := ParseAddress(first.String())
		if err != nil {
			t.Fatalf("ParseAddress(%q): %v", first.String(), err)
		}
		if first != second || first != a {
			t.Fatalf("round trip mismatch: %+v -> %q -> %+v -> %+v", a, s, first, second)
		}
	}
}

func TestAddressEqual(t *testing.T) {
	a := MustParseAddress("1:103/705")
	if !a.Equal(MustParseAddress("1:103/705.0")) {
		t.Error("point 0 should equal omitted point")
	}
	if a.Equal(MustParseAddress("1:103/705.1")) {
		t.Error("different point should not be equal")
	}
	if !a.Equal(MustParseAddress("1:103/705@fidonet")) {
		t.Error("domain on one side only should be ignored")
	}
	if MustParseAddress("1:103/705@fidonet").Equal(MustParseAddress("1:103/705@othernet")) {
		t.Error("different domains should not be equal")
	}

	locals := []Address{MustParseAddress("21:4/158"), MustParseAddress("1:103/705")}
	if !MustParseAddress("1:103/705").IsLocal(locals) {
		t.Error("expected local")
	}
	if MustParseAddress("2:5020/1042").IsLocal(locals) {
		t.Error("expected not local")
	}
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		addr    string
		want    bool
	}{
		{"*", "1:103/705", true},
		{"*", "2:5020/1042.5", true},
		{"1:*", "1:103/705", true},
		{"1:*", "2:103/705", false},
		{"1:103/*", "1:103/1", true},
		{"1:103/*", "1:104/1", false},
		{"1:103/705", "1:103/705", true},
		{"1:103/705", "1:103/705.3", true},
		{"1:103/705.0", "1:103/705.3", false},
		{"1:103/705.*", "1:103/705.3", true},
		{"*:103/705", "7:103/705", true},
		{"*:*/705", "7:1/705", true},
		{"*:*/705", "7:1/706", false},
		{"2:5020/1042", "2:5020/1043", false},
	}

	for _, tt := range tests {
		p, err := ParsePattern(tt.pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", tt.pattern, err)
		}
		if got := p.Matches(MustParseAddress(tt.addr)); got != tt.want {
			t.Errorf("%q.Matches(%q) = %v, want %v", tt.pattern, tt.addr, got, tt.want)
		}
	}
}

func TestPatternInvalid(t *testing.T) {
	for _, s := range []string{"", "x:1/1", "1:y/*", "1:1/z", "1:1/1.q"} {
		if _, err := ParsePattern(s); err == nil {
			t.Errorf("ParsePattern(%q) expected error", s)
		}
	}
	if MatchesAddressPattern("bogus", MustParseAddress("1:1/1")) {
		t.Error("invalid pattern should never match")
	}
}

// Every non-wildcard field must equal the address field, and nothing else
// decides the outcome.
func TestPatternMatchProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	field := func() (string, *int) {
		if rng.Intn(3) == 0 {
			return Wildcard, nil
		}
		v := rng.Intn(4)
		return fmt.Sprint(v), &v
	}

	for i := 0; i < 2000; i++ {
		zs, z := field()
		ns, n := field()
		ds, d := field()
		ps, p := field()
		pattern := fmt.Sprintf("%s:%s/%s.%s", zs, ns, ds, ps)

		addr := Address{Zone: rng.Intn(4), Net: rng.Intn(4), Node: rng.Intn(4), Point: rng.Intn(4)}

		want := (z == nil || *z == addr.Zone) &&
			(n == nil || *n == addr.Net) &&
			(d == nil || *d == addr.Node) &&
			(p == nil || *p == addr.Point)

		pat, err := ParsePattern(pattern)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", pattern, err)
		}
		if got := pat.Matches(addr); got != want {
			t.Fatalf("%q.Matches(%s) = %v, want %v", pattern, addr.String4D(), got, want)
		}
	}
}

func TestPatternWildcards(t *testing.T) {
	tests := map[string]int{
		"*":           4,
		"1:*":         3,
		"1:103/*":     2,
		"1:103/705":   1,
		"1:103/705.0": 0,
	}
	for s, want := range tests {
		p, err := ParsePattern(s)
		if err != nil {
			t.Fatalf("ParsePattern(%q): %v", s, err)
		}
		if got := p.Wildcards(); got != want {
			t.Errorf("%q.Wildcards() = %d, want %d", s, got, want)
		}
	}
}
