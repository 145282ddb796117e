package ledger

import "testing"

func TestToStroops(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 10_000_000},
		{"100", 1_000_000_000},
		{"12.5", 125_000_000},
		{"0.0000001", 1},
		{"75.5", 755_000_000},
		{"3.1415926", 31_415_926},
		{" 42 ", 420_000_000},
		{"+7", 70_000_000},
		{"0.25", 2_500_000},
		{".5", 5_000_000},
		{"10.", 100_000_000},
		// more than seven fractional digits rounds half-even
		{"0.00000014", 1},
		{"0.00000016", 2},
		{"0.00000015", 2},  // tie, 1 is odd so up to 2
		{"0.00000025", 2},  // tie, 2 is even so down
		{"0.000000151", 2}, // 5 followed by nonzero rounds up
		{"0.000000150", 2}, // trailing zero does not break the tie
	}
	for _, c := range cases {
		got, err := ToStroops(c.in)
		if err != nil {
			t.Errorf("ToStroops(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ToStroops(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestToStroopsRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "-1", "abc", "1.2.3", "1,5", "1e5", "922337203700000000000"} {
		if _, err := ToStroops(in); err == nil {
			t.Errorf("ToStroops(%q) should fail", in)
		}
	}
}

func TestFromStroops(t *testing.T) {
	cases := []struct {
		in   int64
		want string
	}{
		{0, "0"},
		{10_000_000, "1"},
		{125_000_000, "12.5"},
		{1, "0.0000001"},
		{31_415_926, "3.1415926"},
		{-25_000_000, "-2.5"},
	}
	for _, c := range cases {
		if got := FromStroops(c.in); got != c.want {
			t.Errorf("FromStroops(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRoundTripExactWithinSevenDigits(t *testing.T) {
	for _, s := range []string{"1", "0.5", "99.9999999", "12.0000001", "0.0000001"} {
		stroops, err := ToStroops(s)
		if err != nil {
			t.Fatalf("ToStroops(%q): %v", s, err)
		}
		if got := FromStroops(stroops); got != s {
			t.Errorf("round trip %q -> %d -> %q", s, stroops, got)
		}
	}
}
