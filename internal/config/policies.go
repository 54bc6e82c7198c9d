package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/factoryos/auditledger/internal/audit"
)

// PolicyFile is the on-disk shape of policies.yaml.
type PolicyFile struct {
	Policies []audit.RetentionPolicy `yaml:"policies"`
}

// LoadPolicies reads and validates a policy file. A missing file is an
// empty policy set.
func LoadPolicies(path string) ([]audit.RetentionPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading policies %s: %w", path, err)
	}

	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing policies %s: %w", path, err)
	}
	if err := audit.ValidatePolicies(pf.Policies); err != nil {
		return nil, fmt.Errorf("invalid policies %s: %w", path, err)
	}
	return pf.Policies, nil
}

// WriteDefaultPolicies writes an example policy file. Every policy in it is
// commented out so nothing is purged until an operator opts in.
func WriteDefaultPolicies(path string) error {
	const example = `# auditledger retention policies
#
# Each policy purges entries older than retention_days that match all of
# its criteria (tenant_id, category, severity; omitted = any). With
# archive_enabled the entries are written to the configured archive first.
# Changes are picked up by a running server without a restart.
#
# policies:
#   - name: auth-90d
#     category: AUTH
#     retention_days: 90
#   - name: data-7y
#     category: DATA
#     retention_days: 2555
#     archive_enabled: true
policies: []
`
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating policies directory: %w", err)
	}
	return os.WriteFile(path, []byte(example), 0o600)
}

// PolicySet is the current retention policy set, reloaded when the file
// changes. A reload that fails validation keeps the previous set.
type PolicySet struct {
	path string

	mu       sync.RWMutex
	policies []audit.RetentionPolicy
}

// NewPolicySet loads the policies at path.
func NewPolicySet(path string) (*PolicySet, error) {
	s := &PolicySet{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path is the file the set is loaded from.
func (s *PolicySet) Path() string { return s.path }

// Policies returns a copy of the current set.
func (s *PolicySet) Policies() []audit.RetentionPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.RetentionPolicy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Reload re-reads the policy file.
func (s *PolicySet) Reload() error {
	policies, err := LoadPolicies(s.path)
	if err != nil {
		slog.Error("retention policies not reloaded, keeping previous set", "path", s.path, "error", err)
		return err
	}

	s.mu.Lock()
	s.policies = policies
	s.mu.Unlock()

	slog.Info("retention policies loaded", "path", s.path, "count", len(policies))
	return nil
}
