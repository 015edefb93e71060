package store

import "testing"

func TestPageClamp(t *testing.T) {
	cases := []struct {
		name string
		in   Page
		want Page
	}{
		{"zero value", Page{}, Page{Number: 1, Size: DefaultPageSize}},
		{"negative page", Page{Number: -3, Size: 10}, Page{Number: 1, Size: 10}},
		{"oversized", Page{Number: 2, Size: 100000}, Page{Number: 2, Size: MaxPageSize}},
		{"valid untouched", Page{Number: 4, Size: 25}, Page{Number: 4, Size: 25}},
	}
	for _, tc := range cases {
		got := tc.in.Clamp()
		if got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestPageOffset(t *testing.T) {
	page := Page{Number: 3, Size: 20}
	if got := page.Offset(); got != 40 {
		t.Fatalf("expected offset 40, got %d", got)
	}
}

func TestTotalPages(t *testing.T) {
	cases := []struct {
		total, size, want int
	}{
		{0, 50, 0},
		{1, 50, 1},
		{50, 50, 1},
		{51, 50, 2},
		{101, 50, 3},
		{10, 0, 0},
	}
	for _, tc := range cases {
		if got := TotalPages(tc.total, tc.size); got != tc.want {
			t.Errorf("TotalPages(%d, %d) = %d, want %d", tc.total, tc.size, got, tc.want)
		}
	}
}
