package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultRoleName is the role used when a server has not picked one.
const DefaultRoleName = "default"

// DefaultRoles are the built-in role prompts used when no role file exists.
var DefaultRoles = map[string]string{
	"default":  "You are Claude, an AI assistant. Be helpful and concise.",
	"concise":  "You aim to be direct and brief while maintaining helpfulness.",
	"creative": "You are focused on creative and imaginative responses.",
	"academic": "You provide detailed, academic-style responses with citations when possible.",
}

// LoadSystemPrompt loads a system prompt from the specified file path.
// It validates that the file exists and contains a non-empty prompt.
func LoadSystemPrompt(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("system prompt file not found: %s", path)
	}

	content, err := os.ReadFile(path) // #nosec G304 - Path comes from config and is expected to be dynamic
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}

	prompt := string(content)
	if err := ValidateSystemPrompt(prompt); err != nil {
		return "", err
	}

	return prompt, nil
}

// ValidateSystemPrompt ensures the system prompt is valid.
// A valid prompt must be non-empty after trimming whitespace.
func ValidateSystemPrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("system prompt is empty")
	}
	return nil
}

// Roles maps role names to system prompts and remembers which role each
// server uses. It is safe for concurrent use.
type Roles struct {
	prompts     map[string]string
	serverRoles map[string]string
	fallback    string
	path        string
	mu          sync.RWMutex
}

// NewRoles creates a role set from prompts. The default role must exist.
func NewRoles(prompts map[string]string, fallback string) (*Roles, error) {
	if fallback == "" {
		fallback = DefaultRoleName
	}

	r := &Roles{
		prompts:     make(map[string]string, len(prompts)),
		serverRoles: make(map[string]string),
		fallback:    fallback,
	}
	for name, prompt := range prompts {
		if err := ValidateSystemPrompt(prompt); err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		r.prompts[name] = strings.TrimSpace(prompt)
	}

	if _, ok := r.prompts[fallback]; !ok {
		return nil, fmt.Errorf("default role %q is not defined", fallback)
	}
	return r, nil
}

// LoadRoles reads a YAML map of role name to prompt from path. When the
// file is missing the built-in roles are used and written to path.
func LoadRoles(path, fallback string) (*Roles, error) {
	if path == "" {
		return NewRoles(DefaultRoles, fallback)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		r, err := NewRoles(DefaultRoles, fallback)
		if err != nil {
			return nil, err
		}
		r.path = path
		if err := r.Save(); err != nil {
			return nil, err
		}
		return r, nil
	}

	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load roles %s: %w", path, err)
	}

	prompts := make(map[string]string)
	if err := k.Unmarshal("", &prompts); err != nil {
		return nil, fmt.Errorf("decode roles %s: %w", path, err)
	}

	r, err := NewRoles(prompts, fallback)
	if err != nil {
		return nil, err
	}
	r.path = path
	return r, nil
}

// Prompt returns the system prompt for the server's role.
func (r *Roles) Prompt(serverID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if role, ok := r.serverRoles[serverID]; ok {
		if prompt, ok := r.prompts[role]; ok {
			return prompt
		}
	}
	return r.prompts[r.fallback]
}

// ServerRole returns the role name the server uses.
func (r *Roles) ServerRole(serverID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if role, ok := r.serverRoles[serverID]; ok {
		return role
	}
	return r.fallback
}

// SetServerRole selects a role for the server. It reports false for
// unknown roles.
func (r *Roles) SetServerRole(serverID, role string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.prompts[role]; !ok {
		return false
	}
	r.serverRoles[serverID] = role
	return true
}

// Names returns the sorted role names.
func (r *Roles) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.prompts))
	for name := range r.prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddRole defines or replaces a role and persists the role file.
func (r *Roles) AddRole(name, prompt string) error {
	if err := ValidateSystemPrompt(prompt); err != nil {
		return err
	}

	r.mu.Lock()
	r.prompts[name] = strings.TrimSpace(prompt)
	r.mu.Unlock()

	return r.Save()
}

// RemoveRole deletes a role. The default role cannot be removed. Servers
// using the role fall back to the default.
func (r *Roles) RemoveRole(name string) (bool, error) {
	r.mu.Lock()
	if name == r.fallback {
		r.mu.Unlock()
		return false, nil
	}
	if _, ok := r.prompts[name]; !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.prompts, name)
	for server, role := range r.serverRoles {
		if role == name {
			delete(r.serverRoles, server)
		}
	}
	r.mu.Unlock()

	return true, r.Save()
}

// Save writes the prompts back to the role file, if one is configured.
func (r *Roles) Save() error {
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	data := make(map[string]any, len(r.prompts))
	for name, prompt := range r.prompts {
		data[name] = prompt
	}
	r.mu.RUnlock()

	out, err := yaml.Parser().Marshal(data)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	if err := os.WriteFile(r.path, out, 0o600); err != nil {
		return fmt.Errorf("write roles %s: %w", r.path, err)
	}
	return nil
}
