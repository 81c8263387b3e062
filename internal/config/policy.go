package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ryanuber/go-glob"
	"gopkg.in/yaml.v3"
)

// KeyPolicy holds the rules of a policy file for the key ids it matches.
type KeyPolicy struct {
	ID   string   `yaml:"id"`
	Keys []string `yaml:"keys"` // Glob patterns for key ids
	// ReadOnly rejects stores for matching ids.
	ReadOnly bool `yaml:"read_only"`
	// RequiredMetadata names entries that a stored key must carry.
	RequiredMetadata []string `yaml:"required_metadata"`
}

// Matches reports whether id matches one of the policy's patterns.
func (p *KeyPolicy) Matches(id string) bool {
	for _, pattern := range p.Keys {
		if glob.Glob(pattern, id) {
			return true
		}
	}
	return false
}

// MissingMetadata returns the required names that are absent from names.
func (p *KeyPolicy) MissingMetadata(names []string) []string {
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}
	var missing []string
	for _, name := range p.RequiredMetadata {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// PolicyManager manages loading and matching policies
type PolicyManager struct {
	policies []*KeyPolicy
	mu       sync.RWMutex
}

// NewPolicyManager creates a new policy manager
func NewPolicyManager() *PolicyManager {
	return &PolicyManager{
		policies: make([]*KeyPolicy, 0),
	}
}

// LoadPolicies replaces the loaded policies with those read from files
// matching patterns. On error the previous policies are kept.
func (pm *PolicyManager) LoadPolicies(patterns []string) error {
	policies := make([]*KeyPolicy, 0)
	seen := make(map[string]string)

	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
		}

		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", match, err)
			}

			var policy KeyPolicy
			if err := yaml.Unmarshal(data, &policy); err != nil {
				return fmt.Errorf("failed to parse policy file %s: %w", match, err)
			}

			if policy.ID == "" {
				return fmt.Errorf("policy in file %s must have an ID", match)
			}
			if len(policy.Keys) == 0 {
				return fmt.Errorf("policy %s must specify at least one key pattern", policy.ID)
			}
			if other, ok := seen[policy.ID]; ok {
				return fmt.Errorf("policy %s in %s is already defined in %s", policy.ID, match, other)
			}
			seen[policy.ID] = match

			policies = append(policies, &policy)
		}
	}

	pm.mu.Lock()
	pm.policies = policies
	pm.mu.Unlock()
	return nil
}

// PolicyForKey returns the first policy matching id, or nil.
func (pm *PolicyManager) PolicyForKey(id string) *KeyPolicy {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, policy := range pm.policies {
		if policy.Matches(id) {
			return policy
		}
	}
	return nil
}

// Len returns the number of loaded policies.
func (pm *PolicyManager) Len() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.policies)
}
