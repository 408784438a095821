package gatekeeper

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/specforge/internal/helpers"
	"github.com/mohammad-safakhou/specforge/internal/logging"
)

// Gatekeeper admits or rejects an intent before any generation work is spent on it.
type Gatekeeper struct {
	judge  Judge
	logger *zap.Logger
}

// New returns a Gatekeeper over judge. A nil judge uses KeywordJudge.
func New(judge Judge, logger *zap.Logger) *Gatekeeper {
	if judge == nil {
		judge = KeywordJudge{}
	}
	return &Gatekeeper{judge: judge, logger: logging.OrNop(logger)}
}

// IssueID is the stable identifier of the (category, code) issue.
func IssueID(c Category, code Code) string {
	return "GK-" + helpers.ShortHash(12, string(c), string(code))
}

func questionID(c Category, code Code) string {
	return "Q-" + helpers.ShortHash(12, string(c), string(code))
}

// IntentHash fingerprints intent text after whitespace and case normalization.
func IntentHash(text string) string {
	return helpers.ContentHash(text)
}

// AnswersHash fingerprints the non-empty answers. Empty answers hash to "".
func AnswersHash(a Answers) string {
	var entries []string
	for qid, parts := range a {
		for idx, text := range parts {
			if strings.TrimSpace(text) == "" {
				continue
			}
			entries = append(entries, qid+"|"+strconv.Itoa(idx)+"|"+helpers.NormalizeForDiff(text))
		}
	}
	if len(entries) == 0 {
		return ""
	}
	sort.Strings(entries)
	return helpers.ContentHash(strings.Join(entries, "\n"))
}

// Evaluate runs the state machine for in. mem is the stored memory for the same project, if
// any: when it matches the intent text the stored evaluation is reused, and when it does not
// its question wording is carried over for issues that survive.
func (g *Gatekeeper) Evaluate(ctx context.Context, in Intent, mem *Memory) (Result, Memory, error) {
	intentHash := IntentHash(in.Text)
	answersHash := AnswersHash(in.Answers)

	if mem != nil && mem.IntentHash == intentHash {
		if mem.AnswersHash == answersHash {
			return mem.Result, *mem, nil
		}
		res := resolve(mem.Base, in.Answers)
		return res, Memory{IntentHash: intentHash, AnswersHash: answersHash, Base: mem.Base, Result: res}, nil
	}

	base, err := g.evaluate(ctx, in.Text, mem)
	if err != nil {
		return Result{}, Memory{}, err
	}
	res := resolve(base, in.Answers)
	return res, Memory{IntentHash: intentHash, AnswersHash: answersHash, Base: base, Result: res}, nil
}

func (g *Gatekeeper) evaluate(ctx context.Context, text string, prev *Memory) (Evaluation, error) {
	if Degenerate(text) {
		return degenerateEvaluation(), nil
	}
	j, err := g.judge.Judge(ctx, text)
	if err != nil {
		return Evaluation{}, fmt.Errorf("judge intent: %w", err)
	}
	if !j.Coherent {
		return degenerateEvaluation(), nil
	}

	priorQuestions := map[string]Question{}
	if prev != nil {
		for _, q := range prev.Base.Questions {
			priorQuestions[q.IssueID] = q
		}
	}

	issues := map[string]Issue{}
	questions := map[string]Question{}
	for _, f := range j.Findings {
		cat, ok := ParseCategory(f.Category)
		if !ok {
			g.logger.Debug("discarding finding outside fixed categories", zap.String("category", f.Category))
			continue
		}
		code := Code(strings.ToLower(strings.TrimSpace(f.Code)))
		if !code.valid() {
			g.logger.Debug("discarding finding with unknown code", zap.String("code", f.Code))
			continue
		}
		sev := Severity(strings.ToLower(strings.TrimSpace(f.Severity)))
		if !sev.valid() {
			sev = SeverityMajor
		}
		id := IssueID(cat, code)
		if existing, dup := issues[id]; dup && severityRank(existing.Severity) >= severityRank(sev) {
			continue
		}
		desc := strings.TrimSpace(f.Description)
		if desc == "" {
			desc = fmt.Sprintf("The description is %s about %s.", code, profiles[cat].summary)
		}
		issues[id] = Issue{ID: id, Category: cat, Code: code, Severity: sev, Description: desc}

		q := buildQuestion(cat, code, f.Question, f.Parts)
		if prior, ok := priorQuestions[id]; ok {
			q.Text = prior.Text
			q.Parts = freshParts(prior.Parts)
		}
		questions[id] = q
	}

	out := Evaluation{Issues: make([]Issue, 0, len(issues)), Questions: make([]Question, 0, len(questions))}
	for _, is := range issues {
		out.Issues = append(out.Issues, is)
	}
	sort.Slice(out.Issues, func(a, b int) bool {
		return issueLess(out.Issues[a].Category, out.Issues[a].Code, out.Issues[b].Category, out.Issues[b].Code)
	})
	for _, is := range out.Issues {
		out.Questions = append(out.Questions, questions[is.ID])
	}
	return out, nil
}

func degenerateEvaluation() Evaluation {
	return Evaluation{Degenerate: true, Issues: []Issue{}, Questions: []Question{}}
}

func buildQuestion(cat Category, code Code, text string, parts []string) Question {
	text = strings.TrimSpace(text)
	plain := text != "" && plainLanguage(text)
	for _, p := range parts {
		if !plainLanguage(p) {
			plain = false
		}
	}
	var partTexts []string
	if plain {
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				partTexts = append(partTexts, p)
			}
		}
		if len(partTexts) == 0 {
			partTexts = []string{text}
		}
	} else {
		text, partTexts = canonicalQuestion(cat)
	}
	q := Question{
		ID:       questionID(cat, code),
		IssueID:  IssueID(cat, code),
		Category: cat,
		Text:     text,
		State:    QuestionUnresolved,
	}
	for _, p := range partTexts {
		q.Parts = append(q.Parts, Part{Text: p})
	}
	return q
}

func freshParts(parts []Part) []Part {
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = Part{Text: p.Text}
	}
	return out
}

// resolve applies answers to a base evaluation. Fully answered questions and their issues drop
// out; nothing is added and no severity changes.
func resolve(base Evaluation, answers Answers) Result {
	res := Result{Degenerate: base.Degenerate, Issues: []Issue{}, Questions: []Question{}}
	if base.Degenerate {
		res.Status = StatusFail
		return res
	}

	resolved := map[string]bool{}
	for _, q := range base.Questions {
		q.Parts = freshParts(q.Parts)
		answered := 0
		for i := range q.Parts {
			if strings.TrimSpace(answers[q.ID][i]) != "" {
				q.Parts[i].Answered = true
				answered++
			}
		}
		switch {
		case answered == 0:
			q.State = QuestionUnresolved
		case answered < len(q.Parts):
			q.State = QuestionPartiallyResolved
		default:
			q.State = QuestionResolved
			resolved[q.IssueID] = true
			continue
		}
		res.Questions = append(res.Questions, q)
	}
	for _, is := range base.Issues {
		if !resolved[is.ID] {
			res.Issues = append(res.Issues, is)
		}
	}

	switch {
	case blocksScope(base.Issues):
		res.Status = StatusFail
	case len(res.Questions) > 0:
		res.Status = StatusClarificationRequired
	default:
		res.Status = StatusPass
	}
	return res
}

// blocksScope reports a critical purpose/scope issue. FAIL is terminal for the intent text, so
// the check runs against the unanswered base.
func blocksScope(issues []Issue) bool {
	for _, is := range issues {
		if is.Category == CategoryPurposeScope && is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityMajor:
		return 2
	default:
		return 1
	}
}

var codeOrder = map[Code]int{CodeMissing: 0, CodeAmbiguous: 1, CodeConflicting: 2}

func issueLess(ca Category, codeA Code, cb Category, codeB Code) bool {
	if ia, ib := categoryIndex(ca), categoryIndex(cb); ia != ib {
		return ia < ib
	}
	return codeOrder[codeA] < codeOrder[codeB]
}
