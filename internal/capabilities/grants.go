package capabilities

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GrantsFile is the on-disk seed for the store:
//
//	scopes:
//	  run-42:
//	    - "fs.read:*"
//	    - "fs.write:/workspace/**"
type GrantsFile struct {
	Scopes map[string][]string `yaml:"scopes"`
}

func ParseGrants(data []byte) (*GrantsFile, error) {
	var gf GrantsFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parse grants: %w", err)
	}
	for scope, patterns := range gf.Scopes {
		for _, p := range patterns {
			if _, err := compileGrant(p); err != nil {
				return nil, fmt.Errorf("scope %q: %w", scope, err)
			}
		}
	}
	return &gf, nil
}

// LoadFile replaces the grants of every scope named in the file. Scopes not
// named in the file are left untouched.
func (s *Store) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read grants: %w", err)
	}
	gf, err := ParseGrants(b)
	if err != nil {
		return err
	}
	return s.Apply(gf)
}

func (s *Store) Apply(gf *GrantsFile) error {
	if gf == nil {
		return nil
	}
	for scope, patterns := range gf.Scopes {
		if err := s.replaceScope(scope, patterns); err != nil {
			return fmt.Errorf("scope %q: %w", scope, err)
		}
	}
	return nil
}

// ValidateFile parses the grants file without applying it.
func ValidateFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read grants: %w", err)
	}
	_, err = ParseGrants(b)
	return err
}
