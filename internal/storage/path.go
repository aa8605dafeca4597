package storage

import (
	"fmt"
	"path"
	"regexp"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// DocumentKey places a named JSON document under namespace.
func DocumentKey(namespace, name string) (string, error) {
	if err := validatePathComponent(namespace, "namespace"); err != nil {
		return "", err
	}
	if err := validatePathComponent(name, "document name"); err != nil {
		return "", err
	}
	return path.Join("state", namespace, name+".json"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
