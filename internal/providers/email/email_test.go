package email

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/quotaguard/internal/config"
	"github.com/smallbiznis/quotaguard/internal/period"
	"github.com/smallbiznis/quotaguard/internal/threshold/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	from string
	rcpt []string
	data string
}

// fakeSMTP accepts one plaintext session and records the envelope.
func fakeSMTP(t *testing.T) (string, int, <-chan capturedMail) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	out := make(chan capturedMail, 1)
	var once sync.Once
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }

		var mail capturedMail
		write("220 localhost ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			upper := strings.ToUpper(cmd)
			switch {
			case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
				write("250 localhost")
			case strings.HasPrefix(upper, "MAIL FROM:"):
				mail.from = strings.Trim(cmd[len("MAIL FROM:"):], "<> ")
				write("250 OK")
			case strings.HasPrefix(upper, "RCPT TO:"):
				mail.rcpt = append(mail.rcpt, strings.Trim(cmd[len("RCPT TO:"):], "<> "))
				write("250 OK")
			case upper == "DATA":
				write("354 end with .")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				mail.data = b.String()
				write("250 queued")
			case upper == "QUIT":
				write("221 bye")
				once.Do(func() { out <- mail })
				return
			default:
				write("250 OK")
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port, out
}

func testAlert() domain.Alert {
	return domain.Alert{
		RuleID:     42,
		AgentName:  "support-bot",
		MetricKind: domain.MetricCost,
		Threshold:  10,
		Actual:     12.5,
		Period:     period.Day,
		Timestamp:  "2026-10-15T10:30:45Z",
	}
}

func TestRenderAlert(t *testing.T) {
	mailer := NewAlertMailer(nil, config.NewStaticAlertingConfigHolder(config.AlertingConfig{
		SubjectPrefix: "[Acme]",
		DashboardURL:  "https://dash.example.com",
	}))

	msg, err := mailer.Render("owner@example.com", testAlert())
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", msg.To)
	assert.Equal(t, "[Acme] support-bot cost threshold reached (day)", msg.Subject)
	for _, body := range []string{msg.HTML, msg.Text} {
		assert.Contains(t, body, "support-bot")
		assert.Contains(t, body, "$10.00")
		assert.Contains(t, body, "$12.50")
		assert.Contains(t, body, "2026-10-15T10:30:45Z")
		assert.Contains(t, body, "https://dash.example.com")
	}
}

func TestRenderEscapesAgentNameInHTML(t *testing.T) {
	mailer := NewAlertMailer(nil, config.NewStaticAlertingConfigHolder(config.DefaultAlertingConfig()))
	alert := testAlert()
	alert.AgentName = "<script>x</script>"
	alert.MetricKind = domain.MetricTokens
	alert.Threshold = 1000

	msg, err := mailer.Render("owner@example.com", alert)
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
	assert.Contains(t, msg.Text, "Threshold:   1000")
	assert.NotContains(t, msg.HTML, "Open dashboard")
}

func TestSMTPSendDeliversMultipart(t *testing.T) {
	host, port, captured := fakeSMTP(t)
	provider := NewSMTP(Config{Host: host, Port: port, From: "alerts@quotaguard.local", SenderName: "QuotaGuard Alerts"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := provider.Send(ctx, Message{
		To:      "owner@example.com",
		Subject: "threshold reached",
		HTML:    "<p>hi</p>",
		Text:    "hi",
	})
	require.NoError(t, err)

	select {
	case mail := <-captured:
		assert.Equal(t, "alerts@quotaguard.local", mail.from)
		assert.Equal(t, []string{"owner@example.com"}, mail.rcpt)
		assert.Contains(t, mail.data, "To: owner@example.com")
		assert.Contains(t, mail.data, "multipart/alternative")
		assert.Contains(t, mail.data, "text/plain")
		assert.Contains(t, mail.data, "<p>hi</p>")
	case <-time.After(5 * time.Second):
		t.Fatal("no mail captured")
	}
}

func TestSMTPSendFailures(t *testing.T) {
	provider := NewSMTP(Config{Host: "127.0.0.1", Port: 1, From: "alerts@quotaguard.local"})

	err := provider.Send(context.Background(), Message{To: "not an address"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = provider.Send(ctx, Message{To: "owner@example.com", Text: "hi"})
	assert.Error(t, err)
}

type recordingProvider struct {
	msgs []Message
}

func (p *recordingProvider) Send(_ context.Context, msg Message) error {
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestAlertMailerSendsThroughProvider(t *testing.T) {
	provider := &recordingProvider{}
	mailer := NewAlertMailer(provider, config.NewStaticAlertingConfigHolder(config.DefaultAlertingConfig()))

	require.NoError(t, mailer.SendAlert(context.Background(), "owner@example.com", testAlert()))
	require.Len(t, provider.msgs, 1)
	assert.True(t, strings.HasPrefix(provider.msgs[0].Subject, "[QuotaGuard]"))
}

func TestNoOpProviderReportsNotConfigured(t *testing.T) {
	mailer := NewAlertMailer(NewNoOp(nil), nil)

	err := mailer.SendAlert(context.Background(), "owner@example.com", testAlert())
	assert.ErrorIs(t, err, ErrProviderNotConfigured)
}
