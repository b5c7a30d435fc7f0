package deps

import (
	"errors"
	"testing"

	"chainlab/internal/workspace"
)

func TestValidatePackage(t *testing.T) {
	cases := []struct {
		pkg  string
		ok   bool
	}{
		{"OpenZeppelin/openzeppelin-contracts", true},
		{"OpenZeppelin/openzeppelin-contracts@v5.0.2", true},
		{"foundry-rs/forge-std", true},
		{"", false},
		{"-rf", false},
		{"a/../b", false},
		{"pkg; rm -rf /", false},
		{"pkg with spaces", false},
	}
	for _, tc := range cases {
		t.Run(tc.pkg, func(t *testing.T) {
			err := validatePackage(tc.pkg)
			if tc.ok && err != nil {
				t.Errorf("validatePackage(%q) = %v, want nil", tc.pkg, err)
			}
			if !tc.ok {
				var verr *workspace.ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("validatePackage(%q) = %v, want ValidationError", tc.pkg, err)
				}
			}
		})
	}
}

func TestPackageName(t *testing.T) {
	cases := []struct {
		pkg  string
		want string
	}{
		{"OpenZeppelin/openzeppelin-contracts", "openzeppelin-contracts"},
		{"OpenZeppelin/openzeppelin-contracts@v5.0.2", "openzeppelin-contracts"},
		{"forge-std", "forge-std"},
	}
	for _, tc := range cases {
		if got := packageName(tc.pkg); got != tc.want {
			t.Errorf("packageName(%q) = %q, want %q", tc.pkg, got, tc.want)
		}
	}
}
