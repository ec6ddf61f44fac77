package store

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

type identityFile struct {
	UUID string `json:"UUID"`
}

// LoadIdentity returns the peer id stored at path, generating and saving a
// new one the first time.
func LoadIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var id identityFile
		if err := json.Unmarshal(data, &id); err != nil {
			return "", fmt.Errorf("failed to parse identity file %s: %w", path, err)
		}
		if _, err := uuid.Parse(id.UUID); err != nil {
			return "", fmt.Errorf("identity file %s holds an invalid UUID: %w", path, err)
		}
		return id.UUID, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	id := identityFile{UUID: uuid.New().String()}
	data, err = json.Marshal(id)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write identity file %s: %w", path, err)
	}
	return id.UUID, nil
}
