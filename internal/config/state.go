package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// State holds what the client remembers between runs.
type State struct {
	LastSession string `toml:"last_session"`
	Model       string `toml:"model"`
	Voice       string `toml:"voice"`
}

// NewState creates a new state with default values
func NewState() *State {
	return &State{
		Model: defaultModel,
		Voice: defaultVoice,
	}
}

// SaveState writes the state to a TOML file
func SaveState(filePath string, state *State) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create/open state file %s: %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	encoder := toml.NewEncoder(writer)
	if err := encoder.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state to TOML file %s: %w", filePath, err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush writer for state file %s: %w", filePath, err)
	}

	slog.Debug("State saved to file", "file", filePath)
	return nil
}

// LoadState loads the state from a TOML file. A missing file yields defaults.
func LoadState(filePath string) (*State, error) {
	state := NewState()
	if _, err := toml.DecodeFile(filePath, state); err != nil {
		if _, statErr := os.Stat(filePath); os.IsNotExist(statErr) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to decode TOML from file %s: %w", filePath, err)
	}
	return state, nil
}

// Remember records the active session and saves the state.
func (s *State) Remember(filePath, sessionID string) error {
	if s.LastSession == sessionID {
		return nil
	}
	s.LastSession = sessionID
	return SaveState(filePath, s)
}
