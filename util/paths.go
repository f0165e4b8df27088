package util

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("MULTIROLE_BLUE_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".multirole-blue-data")
}

// GetNVDir returns the directory holding the non-volatile flag store
func GetNVDir() string {
	return filepath.Join(GetDataDir(), "nv")
}

// GetImagePath returns the path of the firmware image file
func GetImagePath() string {
	return filepath.Join(GetDataDir(), "image.bin")
}

// GetJournalPath returns the path of the link event journal for an instance
func GetJournalPath(instanceID string) string {
	dir := filepath.Join(GetDataDir(), instanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		panic(err)
	}
	return filepath.Join(dir, "link_events.jsonl")
}
