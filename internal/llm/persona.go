package llm

// Persona is the prompt-construction profile a Client call runs under. Every persona
// shares the same retry and parsing routine.
type Persona struct {
	Name        string
	System      string
	Temperature float32
	MaxTokens   int
}

var (
	// Author drafts specification documents.
	Author = Persona{
		Name:        "author",
		System:      "You write structured software specification documents. Respond with a single JSON object that matches the supplied schema.",
		Temperature: 0.4,
	}
	// Gatekeeper judges whether a project description is usable.
	Gatekeeper = Persona{
		Name:        "gatekeeper",
		System:      "You review project descriptions for missing or ambiguous information. Use plain, non-technical language. Respond with JSON only.",
		Temperature: 0,
	}
	// Auditor compares generated output to the validated intent.
	Auditor = Persona{
		Name:        "auditor",
		System:      "You compare a generated specification against the original request and report drift. Respond with JSON only.",
		Temperature: 0,
	}
)

// WithMaxTokens returns a copy of p with a token cap.
func (p Persona) WithMaxTokens(n int) Persona {
	p.MaxTokens = n
	return p
}
