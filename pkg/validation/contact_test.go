package validation

import "testing"

func TestValidPhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  bool
	}{
		{"e164 australian", "+61412345678", true},
		{"national with separators", "(04) 1234-5678", true},
		{"dots and spaces", "04.1234 5678", true},
		{"too short", "+6141", false},
		{"too long", "+6141234567890123", false},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"letters", "+61call me", false},
		{"plus followed by zero", "+0412345678", false},
		{"bare plus", "+", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidPhone(tt.phone); got != tt.want {
				t.Errorf("ValidPhone(%q) = %v, want %v", tt.phone, got, tt.want)
			}
		})
	}
}

func TestValidEmail(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  bool
	}{
		{"plain", "owner@example.com", true},
		{"subdomain", "accounts@mail.example.co.nz", true},
		{"plus tag", "owner+xero@example.com", true},
		{"empty", "", false},
		{"missing domain", "owner@", false},
		{"missing local", "@example.com", false},
		{"display name form rejected", "Owner <owner@example.com>", false},
		{"spaces", "owner @example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidEmail(tt.email); got != tt.want {
				t.Errorf("ValidEmail(%q) = %v, want %v", tt.email, got, tt.want)
			}
		})
	}
}
