// internal/service/classifier.go
package service

import "strings"

// ErrorCategory groups failure texts by cause.
type ErrorCategory string

const (
	CategorySenderPolicy   ErrorCategory = "sender_policy"
	CategoryDNS            ErrorCategory = "dns"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryConnectivity   ErrorCategory = "connectivity"
	CategoryTransient      ErrorCategory = "transient"
)

// ClassifierRule marks failures containing Marker as critical.
type ClassifierRule struct {
	Category ErrorCategory
	Marker   string
}

// DefaultClassifierRules is the built-in critical marker table. Order matters
// only for which category is reported when several markers match.
var DefaultClassifierRules = []ClassifierRule{
	{CategorySenderPolicy, "SPF"},
	{CategorySenderPolicy, "550 5.7.0"},
	{CategorySenderPolicy, "ORIGIN IP"},
	{CategorySenderPolicy, "domain is not configured with ORIGIN IP"},
	{CategorySenderPolicy, "5.7.1 Service unavailable"},

	{CategoryDNS, "DNS"},
	{CategoryDNS, "SERVFAIL"},
	{CategoryDNS, "NXDOMAIN"},
	{CategoryDNS, "Name or service not known"},

	{CategoryAuthentication, "535"},
	{CategoryAuthentication, "authentication"},
	{CategoryAuthentication, "login"},
	{CategoryAuthentication, "Invalid credentials"},
	{CategoryAuthentication, "Unauthorized"},
	{CategoryAuthentication, "API key"},

	{CategoryConnectivity, "Connection refused"},
	{CategoryConnectivity, "Connection timed out"},
	{CategoryConnectivity, "Host not found"},
	{CategoryConnectivity, "Relay access denied"},
	{CategoryConnectivity, "Mail server temporarily rejected"},
}

// Classification is the verdict for one failure text.
type Classification struct {
	Category ErrorCategory
	Marker   string
	Critical bool
}

// Classifier matches failure text against a rule table, case-insensitively.
type Classifier struct {
	rules []ClassifierRule
}

// NewClassifier uses DefaultClassifierRules when no rules are given.
func NewClassifier(rules ...ClassifierRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultClassifierRules
	}
	lowered := make([]ClassifierRule, len(rules))
	for i, r := range rules {
		lowered[i] = ClassifierRule{Category: r.Category, Marker: strings.ToLower(r.Marker)}
	}
	return &Classifier{rules: lowered}
}

func (c *Classifier) Classify(message string) Classification {
	msg := strings.ToLower(message)
	for _, r := range c.rules {
		if r.Marker != "" && strings.Contains(msg, r.Marker) {
			return Classification{Category: r.Category, Marker: r.Marker, Critical: true}
		}
	}
	return Classification{Category: CategoryTransient}
}

func (c *Classifier) IsCritical(message string) bool {
	return c.Classify(message).Critical
}

// TestSendMessage turns a test-send failure into an operator-facing hint.
func (c *Classifier) TestSendMessage(message string) string {
	msg := strings.ToLower(message)
	switch {
	case containsAny(msg, "spf", "550"):
		return "The test email could not be sent. Please contact support to authorize outgoing email from your domain."
	case containsAny(msg, "535", "authentication", "login"):
		return "Authentication with the mail server failed. Check the configured credentials."
	case containsAny(msg, "connection", "timeout", "refused"):
		return "Could not connect to the mail server. Check the connection settings."
	case containsAny(msg, "quota", "limit", "exceeded"):
		return "The email sending limit has been reached. Please contact support."
	default:
		return "The test email could not be sent. Please contact support if the problem persists."
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
