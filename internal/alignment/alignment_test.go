package alignment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/specforge/internal/llm"
)

const (
	bankingIntent = "A banking app for retail customers to open accounts, check balances and transfer money."
	bankingDoc    = `{"project_name":"Ledgerly","overview":"Retail banking accounts with balance checks and money transfers."}`
	pizzaDoc      = `{"project_name":"Slice","overview":"Pizza ordering with toppings, menus and delivery tracking."}`
)

type stubGenerator struct {
	out string
	err error
}

func (s stubGenerator) Generate(context.Context, llm.Persona, string, *llm.Shape) (string, error) {
	return s.out, s.err
}

func TestBankingVersusPizzaIsScopeCreep(t *testing.T) {
	res := New(nil, nil).Check(context.Background(), bankingIntent, "", pizzaDoc)
	assert.Equal(t, StatusMismatchDetected, res.Status)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, SeverityBlocker, res.Mismatches[0].Severity)
	assert.Equal(t, TypeScopeCreep, res.Mismatches[0].Type)
	assert.False(t, res.Degraded)
}

func TestMatchingContentIsAligned(t *testing.T) {
	res := New(nil, nil).Check(context.Background(), bankingIntent, "", bankingDoc)
	assert.Equal(t, StatusAligned, res.Status)
	assert.Empty(t, res.Mismatches)
	assert.NotNil(t, res.Mismatches)
}

func TestGuardNeedsEnoughTerms(t *testing.T) {
	assert.Empty(t, Guard("A bank.", pizzaDoc))
}

func TestMissingProjectNameWarns(t *testing.T) {
	intent := `A banking app called Ledgerly for retail customers to transfer money.`
	res := New(nil, nil).Check(context.Background(), intent, "", `{"overview":"Retail banking with money transfers."}`)
	assert.Equal(t, StatusMismatchDetected, res.Status)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, SeverityWarning, res.Mismatches[0].Severity)
	assert.Equal(t, TypeIdentityMismatch, res.Mismatches[0].Type)

	res = New(nil, nil).Check(context.Background(), intent, "", bankingDoc)
	assert.Equal(t, StatusAligned, res.Status)
}

func TestProjectName(t *testing.T) {
	assert.Equal(t, "Ledgerly", ProjectName("an app called Ledgerly"))
	assert.Equal(t, "Habit Hero", ProjectName(`build "Habit Hero" for teams`))
	assert.Equal(t, "", ProjectName("an app for teams"))
}

func TestBackendFailureDegradesToUnknown(t *testing.T) {
	c := New(stubGenerator{err: errors.New("backend down")}, nil)
	res := c.Check(context.Background(), bankingIntent, "", bankingDoc)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.True(t, res.Degraded)
	assert.Empty(t, res.Mismatches)
}

func TestBackendFailureKeepsGuardFindings(t *testing.T) {
	c := New(stubGenerator{err: errors.New("backend down")}, nil)
	res := c.Check(context.Background(), bankingIntent, "", pizzaDoc)
	assert.Equal(t, StatusMismatchDetected, res.Status)
	assert.True(t, res.Degraded)
	require.Len(t, res.Mismatches, 1)
}

func TestBackendFindingsMergeAndDedupe(t *testing.T) {
	out := `{"result": {"mismatches": [
		{"severity": "blocker", "type": "scope-creep", "rationale": "different product", "location": "Document"},
		{"severity": "WARNING", "type": "hallucination", "rationale": "invented loyalty program", "location": "features[F4]"},
		{"severity": "FATAL", "type": "hallucination", "rationale": "bad severity", "location": "x"},
		{"severity": "WARNING", "type": "vibes", "rationale": "bad type", "location": "y"}
	]}}`
	c := New(stubGenerator{out: out}, nil)
	res := c.Check(context.Background(), bankingIntent, "", pizzaDoc)
	assert.Equal(t, StatusMismatchDetected, res.Status)
	assert.False(t, res.Degraded)
	require.Len(t, res.Mismatches, 2)
	assert.Equal(t, "The generated content shares no domain terms with the original request.", res.Mismatches[0].Rationale)
	assert.Equal(t, TypeHallucination, res.Mismatches[1].Type)
	assert.Equal(t, "features[F4]", res.Mismatches[1].Location)
}

func TestBackendInvalidShapeDegrades(t *testing.T) {
	c := New(stubGenerator{out: `{"verdict": "fine"}`}, nil)
	res := c.Check(context.Background(), bankingIntent, "", bankingDoc)
	assert.Equal(t, StatusUnknown, res.Status)
	assert.True(t, res.Degraded)
}
