package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIdentityFile is the persona file read from the data directory.
const DefaultIdentityFile = "identity.md"

// Personas holds boot-loaded system prompts. A bank without its own
// file uses the default persona; with no files at all the prompt is
// empty and turns run persona-less.
type Personas struct {
	fallback string
	byBank   map[string]string
}

// NewPersonas builds a registry from in-memory prompts, mostly for
// tests and embedded setups.
func NewPersonas(fallback string, byBank map[string]string) *Personas {
	p := &Personas{fallback: strings.TrimSpace(fallback), byBank: map[string]string{}}
	for bank, prompt := range byBank {
		if trimmed := strings.TrimSpace(prompt); trimmed != "" {
			p.byBank[bank] = trimmed
		}
	}
	return p
}

// LoadPersonas reads identity.md from dir plus identity.<bank>.md for
// each named bank. Missing files are fine; unreadable ones are not.
func LoadPersonas(dir string, banks ...string) (*Personas, error) {
	p := &Personas{byBank: map[string]string{}}

	fallback, err := readPersonaFile(filepath.Join(dir, DefaultIdentityFile))
	if err != nil {
		return nil, err
	}
	p.fallback = fallback

	for _, bank := range banks {
		name := fmt.Sprintf("identity.%s.md", bank)
		prompt, err := readPersonaFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prompt != "" {
			p.byBank[bank] = prompt
		}
	}
	return p, nil
}

// For returns the persona prompt for a bank.
func (p *Personas) For(bankID string) string {
	if p == nil {
		return ""
	}
	if prompt, ok := p.byBank[bankID]; ok {
		return prompt
	}
	return p.fallback
}

func readPersonaFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read persona %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}
