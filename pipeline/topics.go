package pipeline

// Bus topics the orchestrator publishes requests on. Worker adapters must be
// registered on every topic a run will touch; RequiredTopics enumerates them
// for startup validation.
const (
	TopicPlan              = "plot.plan"
	TopicWorld             = "world.validate"
	TopicCompose           = "writing.compose"
	TopicRevise            = "writing.revise"
	TopicReviewConsistency = "review.consistency"
	TopicReviewQuality     = "review.quality"

	// TopicCharacterPrefix + name is the per-character reaction topic.
	TopicCharacterPrefix = "character."
)

// Stage names as they appear in stage results and chapter reports.
const (
	StagePlanning  = "planning"
	StageWorld     = "world_and_characters"
	StageComposing = "composing"
	StageAssembly  = "assembling"
	StageReview    = "reviewing"
	StageRevision  = "revising"
	StageFinalize  = "finalizing"
)

// CharacterTopic returns the reaction topic for a character name.
func CharacterTopic(name string) string {
	return TopicCharacterPrefix + name
}

// RequiredTopics lists every fixed topic a chapter run publishes on, plus
// one per configured character. Callers validate adapters against this
// before orchestration starts.
func RequiredTopics(characters []string) []string {
	topics := []string{
		TopicPlan, TopicWorld, TopicCompose, TopicRevise,
		TopicReviewConsistency, TopicReviewQuality,
	}
	for _, c := range characters {
		topics = append(topics, CharacterTopic(c))
	}
	return topics
}
