package gatekeeper

import "strings"

// Category is one of the eight fixed conceptual areas every intent is checked against.
type Category string

const (
	CategoryPurposeScope            Category = "purpose_scope"
	CategoryRoles                   Category = "roles"
	CategoryWorkflows               Category = "workflows"
	CategoryAuthExpectations        Category = "auth_expectations"
	CategoryDataHandling            Category = "data_handling"
	CategoryPerformanceExpectations Category = "performance_expectations"
	CategoryReportingExpectations   Category = "reporting_expectations"
	CategoryRetentionExpectations   Category = "retention_expectations"
)

// Categories is the evaluation order. Nothing outside it is ever reported.
var Categories = []Category{
	CategoryPurposeScope,
	CategoryRoles,
	CategoryWorkflows,
	CategoryAuthExpectations,
	CategoryDataHandling,
	CategoryPerformanceExpectations,
	CategoryReportingExpectations,
	CategoryRetentionExpectations,
}

func categoryIndex(c Category) int {
	for i, known := range Categories {
		if known == c {
			return i
		}
	}
	return -1
}

// ParseCategory normalizes a judge-supplied category name. ok is false for unknown names.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	return c, categoryIndex(c) >= 0
}

type categoryProfile struct {
	vocabulary []string
	missing    Severity
	question   string
	parts      []string
	summary    string
}

var profiles = map[Category]categoryProfile{
	CategoryPurposeScope: {
		vocabulary: []string{"app", "application", "platform", "system", "tool", "service", "website", "site", "portal", "product", "marketplace", "dashboard", "build", "create", "manage", "track", "allow", "help", "enable", "automate"},
		missing:    SeverityCritical,
		question:   "What should this product help people do?",
		parts:      []string{"What problem should it solve?", "Who is it mainly for?"},
		summary:    "the purpose and scope of the product",
	},
	CategoryRoles: {
		vocabulary: []string{"user", "users", "customer", "customers", "client", "clients", "admin", "admins", "administrator", "manager", "managers", "staff", "employee", "employees", "member", "members", "role", "roles", "student", "students", "teacher", "teachers", "patient", "patients", "driver", "drivers", "owner", "owners", "guest", "guests", "team", "visitor", "visitors"},
		missing:    SeverityMajor,
		question:   "Who will use this, and do some people need to do more than others?",
		parts:      []string{"Who are the main kinds of people using it?", "Do some of them need extra abilities, such as approving or managing things?"},
		summary:    "who uses the product",
	},
	CategoryWorkflows: {
		vocabulary: []string{"workflow", "workflows", "process", "step", "steps", "flow", "submit", "approve", "approval", "order", "orders", "book", "booking", "checkout", "request", "requests", "schedule", "upload", "register", "transfer", "transfers", "pay", "payment", "payments", "browse", "search"},
		missing:    SeverityMajor,
		question:   "What are the main things people will do, step by step?",
		parts:      []string{"What is the most common task from start to finish?", "Does any task need someone else to approve it?"},
		summary:    "the main tasks people perform",
	},
	CategoryAuthExpectations: {
		vocabulary: []string{"login", "log in", "sign in", "signin", "password", "account", "accounts", "authentication", "permission", "permissions", "access", "sso", "verify", "verification"},
		missing:    SeverityMajor,
		question:   "How should people get into their accounts?",
		parts:      []string{"Does everyone need their own account?", "Should some information be visible only to certain people?"},
		summary:    "how people sign in and what they may see",
	},
	CategoryDataHandling: {
		vocabulary: []string{"data", "record", "records", "information", "details", "personal", "privacy", "private", "store", "export", "import", "file", "files", "document", "documents", "history", "balance", "balances"},
		missing:    SeverityMajor,
		question:   "What information will people enter or see?",
		parts:      []string{"What kinds of information will be kept?", "Is any of it private or sensitive?"},
		summary:    "what information is kept and how sensitive it is",
	},
	CategoryPerformanceExpectations: {
		vocabulary: []string{"fast", "quick", "quickly", "second", "seconds", "response", "performance", "load", "concurrent", "peak", "speed", "real-time", "realtime", "instant", "instantly", "thousands", "millions"},
		missing:    SeverityMinor,
		question:   "How quickly should things respond, and how many people will use it at once?",
		parts:      []string{"How long is it acceptable to wait after an action?", "Roughly how many people will use it at the same time?"},
		summary:    "how quick and busy the product needs to be",
	},
	CategoryReportingExpectations: {
		vocabulary: []string{"report", "reports", "reporting", "analytics", "statistics", "stats", "summary", "summaries", "insights", "overview", "statement", "statements", "chart", "charts"},
		missing:    SeverityMinor,
		question:   "What summaries or reports do people need?",
		parts:      []string{"Who needs to see reports?", "How often do they need them?"},
		summary:    "what reports people need",
	},
	CategoryRetentionExpectations: {
		vocabulary: []string{"retain", "retention", "keep", "kept", "archive", "archived", "delete", "deleted", "purge", "years", "months", "expire", "expiry"},
		missing:    SeverityMinor,
		question:   "How long should information be kept?",
		parts:      []string{"How long should records be kept?", "Should anything be removed after a while?"},
		summary:    "how long information is kept",
	},
}

// canonicalQuestion returns the plain-language question for a category.
func canonicalQuestion(c Category) (string, []string) {
	p := profiles[c]
	parts := make([]string, len(p.parts))
	copy(parts, p.parts)
	return p.question, parts
}

// technicalTerms never appear in a question shown to the user.
var technicalTerms = []string{
	"database", "databases", "api", "apis", "sql", "nosql", "microservice", "microservices",
	"kubernetes", "k8s", "docker", "container", "containers", "endpoint", "endpoints", "schema",
	"backend", "back-end", "frontend", "front-end", "framework", "frameworks", "server", "servers",
	"cloud", "aws", "azure", "gcp", "rest", "graphql", "json", "cache", "caching", "redis",
	"postgres", "postgresql", "mysql", "mongodb", "orm", "oauth", "jwt", "token", "tokens",
	"encryption", "hashing", "load balancer", "queue", "kafka", "websocket", "websockets", "sdk",
	"latency", "throughput", "sla", "rbac", "crud",
}

// designDecisionPhrases mark questions that ask the user to pick an implementation.
var designDecisionPhrases = []string{
	"should we use", "should i use", "would you prefer", "do you want us to use", "which technology",
	"which framework", "which language", "which provider", "or should we", "do you prefer",
}

// plainLanguage reports whether a question is free of technical vocabulary and does not ask
// the user to make a design decision.
func plainLanguage(text string) bool {
	norm := " " + normalizeText(text) + " "
	for _, term := range technicalTerms {
		if strings.Contains(norm, " "+term+" ") {
			return false
		}
	}
	for _, phrase := range designDecisionPhrases {
		if strings.Contains(norm, " "+phrase+" ") {
			return false
		}
	}
	return true
}
