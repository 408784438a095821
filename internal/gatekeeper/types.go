package gatekeeper

// Status is the gatekeeper state for one intent.
type Status string

const (
	StatusNotEvaluated          Status = "NOT_EVALUATED"
	StatusPass                  Status = "PASS"
	StatusFail                  Status = "FAIL"
	StatusClarificationRequired Status = "CLARIFICATION_REQUIRED"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityMinor    Severity = "minor"
)

func (s Severity) valid() bool {
	return s == SeverityCritical || s == SeverityMajor || s == SeverityMinor
}

// Code is the conceptual kind of an issue. Issue identity derives from (category, code), so
// rewording a description never changes an id.
type Code string

const (
	CodeMissing     Code = "missing"
	CodeAmbiguous   Code = "ambiguous"
	CodeConflicting Code = "conflicting"
)

func (c Code) valid() bool {
	return c == CodeMissing || c == CodeAmbiguous || c == CodeConflicting
}

// QuestionState tracks how much of a clarification question has been answered.
type QuestionState string

const (
	QuestionUnresolved        QuestionState = "UNRESOLVED"
	QuestionPartiallyResolved QuestionState = "PARTIALLY_RESOLVED"
	QuestionResolved          QuestionState = "RESOLVED"
)

// Issue is one conceptual gap in the intent.
type Issue struct {
	ID          string   `json:"id"`
	Category    Category `json:"category"`
	Code        Code     `json:"code"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Part is one sub-question of a clarification question.
type Part struct {
	Text     string `json:"text"`
	Answered bool   `json:"answered"`
}

// Question asks the user to close one issue. It shares the issue's hash.
type Question struct {
	ID       string        `json:"id"`
	IssueID  string        `json:"issue_id"`
	Category Category      `json:"category"`
	Text     string        `json:"text"`
	Parts    []Part        `json:"parts"`
	State    QuestionState `json:"state"`
}

// Answers maps question id to answered part index to answer text.
type Answers map[string]map[int]string

// Intent is the project description under evaluation.
type Intent struct {
	ProjectID string  `json:"project_id"`
	Text      string  `json:"text"`
	Answers   Answers `json:"answers,omitempty"`
}

// Result is what callers see. A FAIL or CLARIFICATION_REQUIRED result is not an error.
type Result struct {
	Status     Status     `json:"status"`
	Degenerate bool       `json:"degenerate,omitempty"`
	Issues     []Issue    `json:"issues"`
	Questions  []Question `json:"questions"`
}

// Evaluation is the full set of findings for one intent text before answers are applied.
type Evaluation struct {
	Degenerate bool       `json:"degenerate,omitempty"`
	Issues     []Issue    `json:"issues"`
	Questions  []Question `json:"questions"`
}

// Memory is the validation memory for a project/intent pair.
type Memory struct {
	IntentHash  string     `json:"intent_hash"`
	AnswersHash string     `json:"answers_hash"`
	Base        Evaluation `json:"base"`
	Result      Result     `json:"result"`
}
