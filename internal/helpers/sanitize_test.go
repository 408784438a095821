package helpers

import "testing"

func TestStripMarkup(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{`<p>Hello <strong>world</strong><script>alert('x')</script></p>`, "Hello world"},
		{`Export to <a href="javascript:alert(1)">CSV</a> & PDF`, "Export to CSV & PDF"},
		{"R&D budget tracking", "R&D budget tracking"},
		{"  plain text stays as is ", "  plain text stays as is "},
	}
	for _, tc := range cases {
		if got := StripMarkup(tc.in); got != tc.want {
			t.Fatalf("StripMarkup(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
