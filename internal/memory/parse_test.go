package memory

import "testing"

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"facts":[]}`, `{"facts":[]}`},
		{"fenced", "```\n{\"facts\":[]}\n```", `{"facts":[]}`},
		{"fenced json tag", "```json\n{\"facts\":[]}\n```", `{"facts":[]}`},
		{"fenced upper tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  \n```json\n{}\n```\n ", `{}`},
		{"no closing fence", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripFences(tt.in); got != tt.want {
				t.Errorf("StripFences(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeRelationLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"works at", "WORKS_AT"},
		{"is-married-to", "IS_MARRIED_TO"},
		{"KNOWS", "KNOWS"},
		{"  lives in  ", "LIVES_IN"},
		{"co-founder (2019)", "CO_FOUNDER_2019"},
	}
	for _, tt := range tests {
		if got := normalizeRelationLabel(tt.in); got != tt.want {
			t.Errorf("normalizeRelationLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		fact string
		want string
	}{
		{"User's name is Sam", CategoryIdentity},
		{"User loves hiking in the mountains", CategoryPreference},
		{"User's sister moved to Berlin", CategoryRelationship},
		{"User is allergic to peanuts", CategoryHealth},
		{"User works at a robotics startup", CategoryWork},
		{"User plans to visit Japan in spring", CategoryPlan},
		{"The meeting went fine", CategoryGeneral},
	}
	for _, tt := range tests {
		if got := Classify(tt.fact); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.fact, got, tt.want)
		}
	}
}
