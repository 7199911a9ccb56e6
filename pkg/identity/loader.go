// Package identity loads the persona text that anchors every completion:
// the system-role identity prompt and the short reminder re-inserted
// after a session is compacted.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	identityFile = "IDENTITY.md"
	reminderFile = "PERSONA_REMINDER.md"
)

// Persona is the pair of identity texts the turn engine needs.
type Persona struct {
	Identity        string
	PersonaReminder string
}

// Load reads identityDir/IDENTITY.md and identityDir/PERSONA_REMINDER.md.
// The reminder is optional; a missing file just leaves it empty, and
// CompactIfNeeded then still writes a persona-reminder row with an empty
// body.
func Load(identityDir string) (Persona, error) {
	identityPath := filepath.Join(identityDir, identityFile)
	content, err := os.ReadFile(identityPath)
	if err != nil {
		return Persona{}, fmt.Errorf("reading %s: %w", identityPath, err)
	}

	reminder, err := os.ReadFile(filepath.Join(identityDir, reminderFile))
	if err != nil {
		reminder = nil
	}

	return Persona{
		Identity:        string(content),
		PersonaReminder: string(reminder),
	}, nil
}
