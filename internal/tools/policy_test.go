package tools

import "testing"

func TestPolicyEvaluationOrder(t *testing.T) {
	p := NewPolicy("block",
		[]string{"web_*", "time__now"}, // allow
		[]string{"exec", "web_admin*"}, // block
		[]string{"memory__*"},          // approval
	)

	tests := []struct {
		name string
		want Decision
	}{
		{"exec", Blocked},                  // block-list wins
		{"web_admin_reset", Blocked},       // block prefix beats allow prefix
		{"web_search", Allowed},            // allow prefix
		{"WEB_FETCH", Allowed},             // case-insensitive
		{"time__now", Allowed},             // exact allow
		{"memory__search", RequiresApproval},
		{"unknown_tool", Blocked},          // default mode
	}
	for _, tt := range tests {
		if got := p.Evaluate(tt.name); got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPolicyDefaultModes(t *testing.T) {
	tests := []struct {
		mode string
		want Decision
	}{
		{"allow", Allowed},
		{"block", Blocked},
		{"deny", Blocked},
		{"approve", RequiresApproval},
		{"", Allowed},
		{"bogus", Allowed},
	}
	for _, tt := range tests {
		p := NewPolicy(tt.mode, nil, nil, nil)
		if got := p.Evaluate("anything"); got != tt.want {
			t.Errorf("default mode %q: Evaluate = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"exec", "exec", true},
		{"exec", "exec2", false},
		{"Exec", "EXEC", true},
		{"web_*", "web_search", true},
		{"web_*", "web", false},
		{"*", "anything", true},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}
