package notifications

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

type slackRecorder struct {
	mu       sync.Mutex
	messages []SlackMessage
	status   int
}

func (r *slackRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var msg SlackMessage
	_ = json.NewDecoder(req.Body).Decode(&msg)
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	status := r.status
	r.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func (r *slackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []string
	to   [][]string
}

func (m *mailRecorder) send(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, string(msg))
	m.to = append(m.to, to)
	return nil
}

func newService(t *testing.T, min models.Severity) (*Service, *slackRecorder, *mailRecorder) {
	t.Helper()
	slack := &slackRecorder{}
	srv := httptest.NewServer(slack)
	t.Cleanup(srv.Close)

	mail := &mailRecorder{}
	s := NewService(Config{
		MinSeverity: min,
		Slack:       SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#intel"},
		Email:       EmailConfig{Enabled: true, SMTPHost: "smtp.local", SMTPPort: 25, From: "engine@corp.io", To: []string{"soc@corp.io"}},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.sendMail = mail.send
	return s, slack, mail
}

func indicator(sev models.Severity) *models.Indicator {
	return &models.Indicator{
		Meta:        models.Meta{ID: "ind-1"},
		Type:        models.IndicatorExposedCredential,
		Severity:    sev,
		Description: "service account svc-deploy@corp.io is publicly identifiable",
		Confidence:  88,
		EntityIDs:   []string{"e1"},
	}
}

func TestShouldNotify(t *testing.T) {
	assert.True(t, shouldNotify(models.SeverityCritical, models.SeverityHigh))
	assert.True(t, shouldNotify(models.SeverityHigh, models.SeverityHigh))
	assert.False(t, shouldNotify(models.SeverityMedium, models.SeverityHigh))
	assert.True(t, shouldNotify(models.SeverityLow, models.SeverityLow))
}

func TestNotifyIndicator_BothChannels(t *testing.T) {
	s, slack, mail := newService(t, models.SeverityHigh)

	require.NoError(t, s.NotifyIndicator(context.Background(), indicator(models.SeverityCritical)))

	require.Equal(t, 1, slack.count())
	msg := slack.messages[0]
	assert.Equal(t, "#intel", msg.Channel)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "#FF0000", msg.Attachments[0].Color)
	assert.Contains(t, msg.Attachments[0].Title, string(models.IndicatorExposedCredential))

	require.Len(t, mail.sent, 1)
	assert.Equal(t, []string{"soc@corp.io"}, mail.to[0])
	assert.Contains(t, mail.sent[0], "Subject: [Intel CRITICAL]")
	assert.Contains(t, mail.sent[0], "svc-deploy@corp.io")
}

func TestNotifyIndicator_BelowMinimum(t *testing.T) {
	s, slack, mail := newService(t, models.SeverityHigh)
	require.NoError(t, s.NotifyIndicator(context.Background(), indicator(models.SeverityMedium)))
	assert.Equal(t, 0, slack.count())
	assert.Empty(t, mail.sent)
}

func TestSend_SlackFailure(t *testing.T) {
	s, slack, mail := newService(t, models.SeverityLow)
	slack.status = http.StatusInternalServerError

	err := s.NotifyIndicator(context.Background(), indicator(models.SeverityHigh))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack returned status 500")
	assert.Len(t, mail.sent, 1, "e-mail still goes out")
}

func TestContradictionSeverity(t *testing.T) {
	assert.Equal(t, models.SeverityHigh, ContradictionSeverity(&models.Relationship{Confidence: 90}))
	assert.Equal(t, models.SeverityMedium, ContradictionSeverity(&models.Relationship{Confidence: 60}))
	assert.Equal(t, models.SeverityLow, ContradictionSeverity(&models.Relationship{Confidence: 20}))
}

func TestStart_FollowsBus(t *testing.T) {
	s, slack, _ := newService(t, models.SeverityMedium)
	bus := eventbus.New()
	defer bus.Close()

	s.Start(bus)
	defer s.Stop()

	rel := &models.Relationship{Meta: models.Meta{ID: "rel-1"}, SourceID: "i1", TargetID: "i2", Type: models.RelationContradicts, Confidence: 85, DiscoveredThrough: "exclusive:status"}
	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicContradictionDetected, rel.ID, rel)))
	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicIndicatorCreated, "ind-1", indicator(models.SeverityLow))))

	// JSON payloads, as delivered by the NATS bridge.
	payload, err := json.Marshal(indicator(models.SeverityHigh))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(eventbus.NewEvent(eventbus.TopicIndicatorCreated, "ind-2", json.RawMessage(payload))))

	require.Eventually(t, func() bool { return slack.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	slack.mu.Lock()
	defer slack.mu.Unlock()
	var titles []string
	for _, m := range slack.messages {
		titles = append(titles, m.Attachments[0].Title)
	}
	assert.True(t, strings.Contains(strings.Join(titles, "|"), "Contradicting intelligence"))
}

func TestFormatEmailBody_Escapes(t *testing.T) {
	body, err := formatEmailBody(&Notification{
		Title:     "<script>alert(1)</script>",
		Severity:  models.SeverityHigh,
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "#FF9800")
}
