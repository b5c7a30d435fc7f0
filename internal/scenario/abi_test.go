package scenario

import (
	"fmt"
	"strings"
	"testing"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

func TestToABIValueChecksIntegerRange(t *testing.T) {
	cases := []struct {
		typ   string
		value any
		ok    bool
	}{
		{"uint8", 0, true},
		{"uint8", 255, true},
		{"uint8", 256, false},
		{"uint8", 300, false},
		{"uint8", -1, false},
		{"int8", 127, true},
		{"int8", -128, true},
		{"int8", 128, false},
		{"int8", -129, false},
		{"uint64", "18446744073709551615", true},
		{"uint64", "18446744073709551616", false},
		{"int64", "-9223372036854775808", true},
		{"uint256", -5, false},
		{"uint256", "0x" + strings.Repeat("f", 64), true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s/%v", tc.typ, tc.value), func(t *testing.T) {
			typ, err := gethabi.NewType(tc.typ, "", nil)
			if err != nil {
				t.Fatalf("NewType(%s): %v", tc.typ, err)
			}
			_, err = toABIValue(tc.value, typ)
			if tc.ok && err != nil {
				t.Errorf("toABIValue(%v, %s) = %v, want ok", tc.value, tc.typ, err)
			}
			if !tc.ok && err == nil {
				t.Errorf("toABIValue(%v, %s) accepted an out-of-range value", tc.value, tc.typ)
			}
		})
	}
}
