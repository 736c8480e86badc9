package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := NewClassifier()

	tests := []struct {
		msg      string
		category ErrorCategory
		critical bool
	}{
		{"550 5.7.0 SPF check failed", CategorySenderPolicy, true},
		{"your domain is not configured with ORIGIN IP", CategorySenderPolicy, true},
		{"lookup smtp.mail.io: SERVFAIL", CategoryDNS, true},
		{"dial tcp: lookup nowhere: Name or service not known", CategoryDNS, true},
		{"535 Invalid credentials", CategoryAuthentication, true},
		{"mailgun: 401 Unauthorized", CategoryAuthentication, true},
		{"Forbidden - invalid api key", CategoryAuthentication, true},
		{"dial tcp 10.0.0.1:587: connect: connection refused", CategoryConnectivity, true},
		{"451 Mail server temporarily rejected message", CategoryConnectivity, true},
		{"421 try again later", CategoryTransient, false},
		{"i/o timeout", CategoryTransient, false},
		{"", CategoryTransient, false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			got := c.Classify(tt.msg)
			assert.Equal(t, tt.category, got.Category)
			assert.Equal(t, tt.critical, got.Critical)
			assert.Equal(t, tt.critical, c.IsCritical(tt.msg))
		})
	}
}

func TestClassifierCustomRules(t *testing.T) {
	c := NewClassifier(ClassifierRule{Category: CategoryConnectivity, Marker: "Greylisted"})

	assert.True(t, c.IsCritical("450 greylisted, retry"))
	assert.False(t, c.IsCritical("535 Invalid credentials"))
}

func TestTestSendMessage(t *testing.T) {
	c := NewClassifier()

	assert.Contains(t, c.TestSendMessage("550 rejected"), "authorize outgoing email")
	assert.Contains(t, c.TestSendMessage("SPF fail"), "authorize outgoing email")
	assert.Contains(t, c.TestSendMessage("535 bad login"), "Authentication")
	assert.Contains(t, c.TestSendMessage("Connection refused"), "Could not connect")
	assert.Contains(t, c.TestSendMessage("i/o timeout"), "Could not connect")
	assert.Contains(t, c.TestSendMessage("daily quota exceeded"), "sending limit")
	assert.Contains(t, c.TestSendMessage("boom"), "persists")
}
