package audit

import (
	"fmt"

	"github.com/gobwas/glob"
)

// FailurePolicy decides whether a failed append must also fail the
// business action that triggered it (fail-closed) or may let it proceed
// without an audit trail (fail-open).
//
// Patterns are compiled once at construction; FailClosed is cheap enough to
// call on every request.
type FailurePolicy struct {
	categories map[Category]bool
	actions    []glob.Glob
}

// DefaultFailClosedCategories are fail-closed unless configured otherwise.
var DefaultFailClosedCategories = []Category{CategorySecurity, CategoryPermission}

// NewFailurePolicy compiles a policy. actionPatterns are glob patterns over
// action names (e.g. "USER_*", "LICENSE_?EVOKED").
func NewFailurePolicy(categories []Category, actionPatterns []string) (*FailurePolicy, error) {
	p := &FailurePolicy{categories: make(map[Category]bool, len(categories))}
	for _, c := range categories {
		if !c.Valid() {
			return nil, fmt.Errorf("fail-closed category %q is not a known category", c)
		}
		p.categories[c] = true
	}
	for _, pattern := range actionPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid fail-closed action pattern %q: %w", pattern, err)
		}
		p.actions = append(p.actions, g)
	}
	return p, nil
}

// DefaultFailurePolicy fails closed for SECURITY and PERMISSION entries.
func DefaultFailurePolicy() *FailurePolicy {
	p, _ := NewFailurePolicy(DefaultFailClosedCategories, nil)
	return p
}

// FailClosed reports whether a failure to record req must fail the caller's
// action. SECURITY-severity requests always fail closed.
func (p *FailurePolicy) FailClosed(req Request) bool {
	if req.Severity == SeveritySecurity || p.categories[req.Category] {
		return true
	}
	for _, g := range p.actions {
		if g.Match(req.Action) {
			return true
		}
	}
	return false
}
