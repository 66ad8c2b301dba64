// Package prompt wraps interactive terminal prompts behind an interface so
// commands can be tested without a TTY.
package prompt

import (
	"errors"
	"strings"

	"github.com/charmbracelet/huh"
)

// InputConfig holds configuration for a text input prompt.
type InputConfig struct {
	Title       string
	Description string
	Placeholder string
	Validate    func(string) error
}

// ConfirmConfig holds configuration for a yes/no confirmation prompt.
type ConfirmConfig struct {
	Title       string
	Description string
	Default     bool
}

// Prompter defines the interactive prompts commands rely on. Production
// uses the huh implementation; tests swap in a Mock.
type Prompter interface {
	Input(cfg InputConfig) (string, error)
	Confirm(cfg ConfirmConfig) (bool, error)
}

// Default is the package-level prompter used by commands.
var Default Prompter = &Huh{}

// SetDefault replaces the package-level prompter.
func SetDefault(p Prompter) {
	Default = p
}

// Huh implements Prompter using charmbracelet/huh forms.
type Huh struct{}

func (h *Huh) Input(cfg InputConfig) (string, error) {
	var value string
	input := huh.NewInput().
		Title(cfg.Title).
		Value(&value)

	if cfg.Description != "" {
		input.Description(cfg.Description)
	}
	if cfg.Placeholder != "" {
		input.Placeholder(cfg.Placeholder)
	}
	if cfg.Validate != nil {
		input.Validate(cfg.Validate)
	}

	err := huh.NewForm(huh.NewGroup(input)).Run()
	return value, err
}

func (h *Huh) Confirm(cfg ConfirmConfig) (bool, error) {
	value := cfg.Default
	confirm := huh.NewConfirm().
		Title(cfg.Title).
		Value(&value)

	if cfg.Description != "" {
		confirm.Description(cfg.Description)
	}

	err := huh.NewForm(huh.NewGroup(confirm)).Run()
	return value, err
}

// ValidateGoogleClientID rejects values that cannot be a Google OAuth
// client ID.
func ValidateGoogleClientID(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errors.New("client ID is required")
	}
	if !strings.HasSuffix(s, ".apps.googleusercontent.com") {
		return errors.New("client ID should end with .apps.googleusercontent.com")
	}
	return nil
}
