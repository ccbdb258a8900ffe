package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Veraticus/chatrelay/internal/config"
)

func TestLoadSystemPrompt(t *testing.T) {
	tests := []struct {
		name        string
		content     *string
		want        string
		errContains string
	}{
		{name: "loads valid prompt file", content: ptr("You are helpful."), want: "You are helpful."},
		{name: "handles multiline prompts", content: ptr("line one\nline two\n"), want: "line one\nline two\n"},
		{name: "fails on missing file", content: nil, errContains: "system prompt file not found"},
		{name: "fails on empty file", content: ptr(""), errContains: "system prompt is empty"},
		{name: "fails on whitespace-only file", content: ptr(" \n\t "), errContains: "system prompt is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prompt.txt")
			if tt.content != nil {
				if err := os.WriteFile(path, []byte(*tt.content), 0o600); err != nil {
					t.Fatalf("Failed to write prompt: %v", err)
				}
			}

			got, err := config.LoadSystemPrompt(path)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("Expected error containing %q, got %v", tt.errContains, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Got prompt %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoles_PromptPerServer(t *testing.T) {
	roles, err := config.NewRoles(config.DefaultRoles, "")
	if err != nil {
		t.Fatalf("NewRoles failed: %v", err)
	}

	if got := roles.Prompt("srv-1"); got != config.DefaultRoles["default"] {
		t.Errorf("Unconfigured server should use default prompt, got %q", got)
	}

	if !roles.SetServerRole("srv-1", "concise") {
		t.Fatal("Setting a known role should succeed")
	}
	if roles.SetServerRole("srv-1", "pirate") {
		t.Error("Setting an unknown role should fail")
	}

	if got := roles.ServerRole("srv-1"); got != "concise" {
		t.Errorf("ServerRole() = %q, want concise", got)
	}
	if got := roles.Prompt("srv-1"); got != config.DefaultRoles["concise"] {
		t.Errorf("Prompt() = %q, want concise prompt", got)
	}
	if got := roles.ServerRole("srv-2"); got != config.DefaultRoleName {
		t.Errorf("ServerRole() for unknown server = %q, want default", got)
	}
}

func TestNewRoles_Validation(t *testing.T) {
	if _, err := config.NewRoles(map[string]string{"other": "x"}, ""); err == nil {
		t.Error("Missing default role should be rejected")
	}
	if _, err := config.NewRoles(map[string]string{"default": "  "}, ""); err == nil {
		t.Error("Empty prompt should be rejected")
	}
}

func TestLoadRoles_WritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yml")

	roles, err := config.LoadRoles(path, "")
	if err != nil {
		t.Fatalf("LoadRoles failed: %v", err)
	}
	if len(roles.Names()) != len(config.DefaultRoles) {
		t.Errorf("Expected %d roles, got %v", len(config.DefaultRoles), roles.Names())
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Role file should have been written: %v", err)
	}

	reloaded, err := config.LoadRoles(path, "")
	if err != nil {
		t.Fatalf("Reloading roles failed: %v", err)
	}
	if got := reloaded.Prompt("any"); got != config.DefaultRoles["default"] {
		t.Errorf("Reloaded default prompt = %q", got)
	}
}

func TestLoadRoles_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yml")
	content := "default: Be nice.\nv1.5: Dotted names survive.\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write roles: %v", err)
	}

	roles, err := config.LoadRoles(path, "")
	if err != nil {
		t.Fatalf("LoadRoles failed: %v", err)
	}
	if !roles.SetServerRole("srv", "v1.5") {
		t.Fatalf("Role v1.5 should exist, have %v", roles.Names())
	}
	if got := roles.Prompt("srv"); got != "Dotted names survive." {
		t.Errorf("Prompt() = %q", got)
	}
}

func TestRoles_AddRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yml")
	roles, err := config.LoadRoles(path, "")
	if err != nil {
		t.Fatalf("LoadRoles failed: %v", err)
	}

	if err := roles.AddRole("pirate", "Talk like a pirate."); err != nil {
		t.Fatalf("AddRole failed: %v", err)
	}
	if err := roles.AddRole("blank", " "); err == nil {
		t.Error("AddRole should reject empty prompts")
	}
	roles.SetServerRole("srv", "pirate")

	removed, err := roles.RemoveRole("pirate")
	if err != nil || !removed {
		t.Fatalf("RemoveRole(pirate) = %v, %v", removed, err)
	}
	if got := roles.ServerRole("srv"); got != config.DefaultRoleName {
		t.Errorf("Server should fall back to default after removal, got %q", got)
	}

	removed, _ = roles.RemoveRole(config.DefaultRoleName)
	if removed {
		t.Error("Default role must not be removable")
	}

	reloaded, err := config.LoadRoles(path, "")
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	for _, name := range reloaded.Names() {
		if name == "pirate" {
			t.Error("Removed role should not be persisted")
		}
	}
}

func ptr(s string) *string { return &s }
