package storage

import (
	"os"
	"path/filepath"
)

// PathManager resolves the per-user directories of the client.
type PathManager struct {
	homeDir   string
	yunzhiDir string
}

// NewPathManager creates a path manager rooted at ~/.yunzhi.
func NewPathManager() *PathManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return NewPathManagerAt(homeDir)
}

// NewPathManagerAt creates a path manager rooted at homeDir/.yunzhi.
func NewPathManagerAt(homeDir string) *PathManager {
	return &PathManager{
		homeDir:   homeDir,
		yunzhiDir: filepath.Join(homeDir, ".yunzhi"),
	}
}

// GetYunzhiDir returns the main data directory, creating it if needed.
func (pm *PathManager) GetYunzhiDir() (string, error) {
	if err := os.MkdirAll(pm.yunzhiDir, 0755); err != nil {
		return "", err
	}
	return pm.yunzhiDir, nil
}

func (pm *PathManager) file(name string) (string, error) {
	dir, err := pm.GetYunzhiDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

func (pm *PathManager) subdir(name string) (string, error) {
	dir, err := pm.GetYunzhiDir()
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, name)
	if err := os.MkdirAll(sub, 0755); err != nil {
		return "", err
	}
	return sub, nil
}

// GetChatDatabasePath returns the path for the local chat database
func (pm *PathManager) GetChatDatabasePath() (string, error) {
	return pm.file("chat.db")
}

// GetLogPath returns the path of the log file used outside debug mode
func (pm *PathManager) GetLogPath() (string, error) {
	return pm.file("yunzhi.log")
}

// GetStatePath returns the path of the persisted UI state
func (pm *PathManager) GetStatePath() (string, error) {
	return pm.file("state.toml")
}

// GetCacheDir returns the directory for preview thumbnails and audio files
func (pm *PathManager) GetCacheDir() (string, error) {
	return pm.subdir("cache")
}

// GetHomeDir returns the user's home directory
func (pm *PathManager) GetHomeDir() string {
	return pm.homeDir
}

// DefaultPathManager is a global instance for convenience
var DefaultPathManager = NewPathManager()
