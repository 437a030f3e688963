package utils

import (
	"fmt"
	"os"
)

// CreateFolder creates the folder (and parents) if it does not exist yet.
func CreateFolder(folderPath string) error {
	if err := os.MkdirAll(folderPath, 0o755); err != nil {
		return fmt.Errorf("create folder %s: %w", folderPath, err)
	}
	return nil
}

// GetEnv returns the environment value for key, or fallback when unset or empty.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
