package core

import "testing"

func TestValidateBech32ishAddress(t *testing.T) {
	good := "sultan1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"
	if err := ValidateBech32ishAddress(good); err != nil {
		t.Fatalf("expected valid address to pass: %v", err)
	}

	cases := []string{
		"short1x",
		"wrongprefix1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq",
		"SULTAN1QQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQQ",
		"sultan1bqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq",
	}
	for _, c := range cases {
		if err := ValidateBech32ishAddress(c); err == nil {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}
