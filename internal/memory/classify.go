package memory

import "strings"

// Kinds say what a node is; reconciliation only ever touches facts.
const (
	KindFact             = "fact"
	KindTopicMention     = "topic_mention"
	KindEmotionalContext = "emotional_context"
)

// Categories say what a fact is about, assigned at ADD time.
const (
	CategoryGeneral      = "general"
	CategoryIdentity     = "identity"
	CategoryPreference   = "preference"
	CategoryRelationship = "relationship"
	CategoryHealth       = "health"
	CategoryWork         = "work"
	CategoryPlan         = "plan"
)

var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{CategoryIdentity, []string{"name is", "born", "years old", "lives in", "from ", "birthday", "pronouns"}},
	{CategoryRelationship, []string{"wife", "husband", "partner", "girlfriend", "boyfriend", "mother", "father", "sister", "brother", "daughter", "son", "friend", "married", "dating", "colleague"}},
	{CategoryHealth, []string{"allerg", "diagnos", "medication", "doctor", "therapy", "sleep", "diet", "exercise", "injur", "illness"}},
	{CategoryWork, []string{"works at", "working on", "job", "career", "company", "startup", "project", "deadline", "promotion", "boss", "studies", "degree"}},
	{CategoryPlan, []string{"plans to", "planning", "wants to", "goal", "trip", "travel", "moving to", "will start", "intends"}},
	{CategoryPreference, []string{"likes", "loves", "enjoys", "prefers", "favorite", "favourite", "hates", "dislikes", "can't stand", "allergic to"}},
}

// Classify assigns a deterministic category to a fact. First keyword table
// hit wins; no hit means general.
func Classify(fact string) string {
	lower := strings.ToLower(fact)
	for _, entry := range categoryKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.category
			}
		}
	}
	return CategoryGeneral
}
