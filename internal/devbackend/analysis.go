package devbackend

import (
	"regexp"
	"strings"
)

// Intent labels produced by the keyword classifier.
const (
	IntentFileClaim = "file_claim"
	IntentComplaint = "complaint"
	IntentGeneral   = "general_query"
)

var policyPattern = regexp.MustCompile(`\b[A-Z]{3}-\d{6}\b`)

// Member is a policyholder record from the fixture table.
type Member struct {
	PolicyNumber string `json:"policy_number"`
	Name         string `json:"name"`
	Product      string `json:"product"`
	Status       string `json:"status"`
	ClaimsOpen   int    `json:"claims_open"`
	Vulnerable   bool   `json:"vulnerable"`
}

// Doc is a knowledge base article.
type Doc struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Alert is a compliance reminder for the agent.
type Alert struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
}

// Intent is the classifier output pushed to the agent.
type Intent struct {
	Label   string   `json:"label"`
	Matched []string `json:"matched,omitempty"`
}

var members = map[string]Member{
	"CAR-100001": {PolicyNumber: "CAR-100001", Name: "Jane Citizen", Product: "Comprehensive Motor", Status: "Active"},
	"CAR-100002": {PolicyNumber: "CAR-100002", Name: "Sam Lee", Product: "Third Party Property", Status: "Active", ClaimsOpen: 1},
	"CAR-100003": {PolicyNumber: "CAR-100003", Name: "Alex Brown", Product: "Comprehensive Motor", Status: "Suspended", Vulnerable: true},
}

type knowledgeEntry struct {
	keywords []string
	doc      Doc
}

var knowledgeBase = []knowledgeEntry{
	{[]string{"accident", "claim"}, Doc{"Lodging a motor claim", "Collect date, location, other party details and photos before lodging."}},
	{[]string{"bumper", "damage", "repair"}, Doc{"Repair assessment", "Minor panel damage can be assessed at any approved repairer without a tow."}},
	{[]string{"tow", "roadside"}, Doc{"Roadside assistance", "Comprehensive policies include one free tow per claim."}},
	{[]string{"cancel", "refund"}, Doc{"Cancellation and refunds", "Pro-rata refunds apply outside the 21 day cooling-off period."}},
}

type analysis struct {
	intent     Intent
	member     *Member
	docs       []Doc
	alerts     []Alert
	suggestion string
}

// analyze classifies one finalized utterance in the context of the call so far.
func analyze(text string, known *Member) analysis {
	lower := strings.ToLower(text)
	var a analysis

	switch {
	case containsAny(lower, "claim", "accident"):
		a.intent = Intent{Label: IntentFileClaim, Matched: matched(lower, "claim", "accident")}
	case containsAny(lower, "complaint", "unhappy"):
		a.intent = Intent{Label: IntentComplaint, Matched: matched(lower, "complaint", "unhappy")}
	default:
		a.intent = Intent{Label: IntentGeneral}
	}

	a.member = known
	if id := policyPattern.FindString(text); id != "" {
		if m, ok := members[id]; ok {
			a.member = &m
		}
	}

	for _, k := range knowledgeBase {
		if containsAny(lower, k.keywords...) {
			a.docs = append(a.docs, k.doc)
		}
	}

	if containsAny(lower, "injured", "injury", "hurt") {
		a.alerts = append(a.alerts, Alert{Rule: "Confirm injury details and advise on the injury claim process", Severity: "high"})
	}
	if a.member != nil && a.member.Vulnerable {
		a.alerts = append(a.alerts, Alert{Rule: "Vulnerable customer: offer a support callback", Severity: "medium"})
	}

	a.suggestion = suggest(a)
	return a
}

func suggest(a analysis) string {
	switch {
	case a.member != nil && a.member.Status != "Active":
		return "The policy is " + strings.ToLower(a.member.Status) + ". Confirm cover before lodging anything."
	case a.intent.Label == IntentFileClaim && a.member == nil:
		return "Ask for the policy number so you can open the claim."
	case a.intent.Label == IntentFileClaim:
		return "Open a new claim for " + a.member.Name + " and confirm the date and location."
	case a.intent.Label == IntentComplaint:
		return "Acknowledge the concern and offer to log a formal complaint."
	case len(a.docs) > 0:
		return a.docs[0].Summary
	default:
		return ""
	}
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func matched(s string, words ...string) []string {
	var out []string
	for _, w := range words {
		if strings.Contains(s, w) {
			out = append(out, w)
		}
	}
	return out
}

// chunks splits a suggestion into word chunks for streaming.
func chunks(s string) []string {
	words := strings.Fields(s)
	out := make([]string, 0, len(words))
	for i, w := range words {
		if i < len(words)-1 {
			w += " "
		}
		out = append(out, w)
	}
	return out
}
