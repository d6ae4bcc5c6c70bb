package tools

import "strings"

// Decision is the outcome of a policy evaluation.
type Decision int

const (
	Allowed Decision = iota
	Blocked
	RequiresApproval
)

func (d Decision) String() string {
	switch d {
	case Blocked:
		return "blocked"
	case RequiresApproval:
		return "requires_approval"
	default:
		return "allowed"
	}
}

// Policy gates tool execution by name. Evaluation order is fixed:
// block-list, then allow-list, then approval-required, then the default mode.
type Policy struct {
	defaultMode      Decision
	allowList        []string
	blockList        []string
	approvalRequired []string
}

// NewPolicy builds a policy. defaultMode accepts "allow", "block" and
// "approve"; anything else defaults to allow.
func NewPolicy(defaultMode string, allowList, blockList, approvalRequired []string) *Policy {
	mode := Allowed
	switch strings.ToLower(defaultMode) {
	case "block", "deny":
		mode = Blocked
	case "approve", "approval":
		mode = RequiresApproval
	}
	return &Policy{
		defaultMode:      mode,
		allowList:        allowList,
		blockList:        blockList,
		approvalRequired: approvalRequired,
	}
}

// Evaluate returns the decision for a tool name.
func (p *Policy) Evaluate(name string) Decision {
	if matchAny(p.blockList, name) {
		return Blocked
	}
	if matchAny(p.allowList, name) {
		return Allowed
	}
	if matchAny(p.approvalRequired, name) {
		return RequiresApproval
	}
	return p.defaultMode
}

func matchAny(patterns []string, name string) bool {
	for _, pat := range patterns {
		if matchPattern(pat, name) {
			return true
		}
	}
	return false
}

// matchPattern is case-insensitive. A trailing '*' matches any name with the
// given prefix; otherwise the match is exact.
func matchPattern(pattern, name string) bool {
	pattern = strings.ToLower(pattern)
	name = strings.ToLower(name)
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
