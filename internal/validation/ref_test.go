package validation

import (
	"strings"
	"testing"
)

func TestIsValidRef(t *testing.T) {
	tests := []struct {
		name  string
		ref   string
		valid bool
	}{
		{
			name:  "document reference",
			ref:   "doc://proofs/2026/tr-00117.pdf",
			valid: true,
		},
		{
			name:  "account reference",
			ref:   "acct:0x6f1e6b2a9c",
			valid: true,
		},
		{
			name:  "empty string",
			ref:   "",
			valid: false,
		},
		{
			name:  "contains space",
			ref:   "doc://my proof.pdf",
			valid: false,
		},
		{
			name:  "contains control character",
			ref:   "doc://proof\n",
			valid: false,
		},
		{
			name:  "non-ascii",
			ref:   "справка-2026",
			valid: false,
		},
		{
			name:  "too long",
			ref:   strings.Repeat("a", 513),
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidRef(tt.ref)
			if got != tt.valid {
				t.Fatalf("IsValidRef(%q) = %v, want %v", tt.ref, got, tt.valid)
			}
		})
	}
}
