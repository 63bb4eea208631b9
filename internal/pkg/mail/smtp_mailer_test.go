package mail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PixelVault/internal/pkg/env"
)

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("billing@pixelvault.test", "jane@example.com", "Payment received", "<p>ok</p>"))

	assert.True(t, strings.HasPrefix(msg, "From: billing@pixelvault.test\r\nTo: jane@example.com\r\nSubject: Payment received\r\n"))
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n\r\n<p>ok</p>")
}

func TestBuildMessage_StripsHeaderInjection(t *testing.T) {
	msg := string(buildMessage("a@b.test", "jane@example.com\r\nBcc: evil@example.com", "Hi\nX-Evil: 1", "body"))

	headers := strings.SplitN(msg, "\r\n\r\n", 2)[0]
	assert.NotContains(t, headers, "\r\nBcc:")
	assert.NotContains(t, headers, "\r\nX-Evil:")
}

func TestSendMail_RequiresHost(t *testing.T) {
	env.Env = map[string]string{"SMTP_HOST": ""}
	t.Cleanup(func() { env.Env = nil })

	err := SendMail("jane@example.com", "s", "b")
	require.Error(t, err)
}
