package models

// StoreProfile describes the business the content is generated for. The
// generation collaborator treats it as opaque context.
type StoreProfile struct {
	Name       string `json:"name"`
	Industry   string `json:"industry"`
	Area       string `json:"area,omitempty"`
	Strengths  string `json:"strengths,omitempty"`
	TargetUser string `json:"target_user,omitempty"`
}

// GenerationConfig carries the per-request generation parameters.
type GenerationConfig struct {
	Platform  string   `json:"platform"`
	Platforms []string `json:"platforms,omitempty"`
	Tone      string   `json:"tone,omitempty"`
	Length    string   `json:"length,omitempty"`
	Topic     string   `json:"topic,omitempty"`
}

// TargetCount returns how many platforms a single request generates for.
func (c GenerationConfig) TargetCount() int {
	if len(c.Platforms) > 1 {
		return len(c.Platforms)
	}
	return 1
}

// GenerationResult is what the generation collaborator returns: a short
// analysis plus one or more post candidates.
type GenerationResult struct {
	Analysis string   `json:"analysis"`
	Posts    []string `json:"posts"`
}
