package session

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid max length", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"dot", "my.session", true},
		{"too long", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"alice", false},
		{"Alice.Smith@example", false},
		{"u-42", false},
		{"", true},
		{"has space", true},
		{"pipe|id", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			err := ValidateUserID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUserID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("CHATSYNC_SESSION", "")
	cfg := &config.Config{DefaultSession: "work"}

	if got := Resolve("flag", cfg); got != "flag" {
		t.Errorf("Resolve(flag) = %q, want flag", got)
	}
	if got := Resolve("", cfg); got != "work" {
		t.Errorf("Resolve from config = %q, want work", got)
	}
	if got := Resolve("", nil); got != DefaultSessionName {
		t.Errorf("Resolve default = %q, want %q", got, DefaultSessionName)
	}

	t.Setenv("CHATSYNC_SESSION", "env")
	if got := Resolve("", cfg); got != "env" {
		t.Errorf("Resolve from env = %q, want env", got)
	}
}
