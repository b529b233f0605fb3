package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/models"
)

type NotificationType string

const (
	NotifyIndicator       NotificationType = "indicator"
	NotifyContradiction   NotificationType = "contradiction"
	NotifyFinding         NotificationType = "finding"
	NotifyReportPublished NotificationType = "report_published"
)

type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

type Config struct {
	// MinSeverity applies to every channel without its own minimum.
	MinSeverity models.Severity
	Slack       SlackConfig
	Email       EmailConfig
}

type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity
}

type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service delivers notifications to Slack and e-mail. Start subscribes it to
// the engine's contradiction, indicator and finding events.
type Service struct {
	config   Config
	logger   *slog.Logger
	client   *http.Client
	sendMail sendMailFunc

	mu     sync.Mutex
	bus    *eventbus.Bus
	subs   []eventbus.Subscription
	wg     sync.WaitGroup
	active bool
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MinSeverity == "" {
		config.MinSeverity = models.SeverityHigh
	}
	if config.Slack.MinSeverity == "" {
		config.Slack.MinSeverity = config.MinSeverity
	}
	if config.Email.MinSeverity == "" {
		config.Email.MinSeverity = config.MinSeverity
	}
	if config.Slack.Username == "" {
		config.Slack.Username = "intel-engine"
	}

	return &Service{
		config:   config,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		sendMail: smtp.SendMail,
	}
}

// Send delivers notif to every enabled channel whose minimum severity it
// meets.
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	return errors.Join(errs...)
}

func shouldNotify(actual, minimum models.Severity) bool {
	return actual.Rank() >= minimum.Rank()
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// slackFields are the notification data keys surfaced as attachment fields,
// in display order.
var slackFields = []struct{ key, title string }{
	{"indicator_type", "Indicator"},
	{"confidence", "Confidence"},
	{"entities", "Entities"},
	{"rule", "Rule"},
	{"classification", "Classification"},
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := []SlackField{{Title: "Severity", Value: string(notif.Severity), Short: true}}
	for _, f := range slackFields {
		if v, ok := notif.Data[f.key]; ok {
			fields = append(fields, SlackField{Title: f.title, Value: fmt.Sprint(v), Short: true})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     severityToColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Intel Engine",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", notif.Type, "title", notif.Title)
	return nil
}

func severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := fmt.Sprintf("[Intel %s] %s", strings.ToUpper(string(notif.Severity)), notif.Title)
	body, err := formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	var auth smtp.Auth
	if s.config.Email.Username != "" {
		auth = smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := s.sendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))
	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.Email.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.config.Email.To, ","))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

var emailTemplate = template.Must(template.New("email").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .footer { padding: 15px 20px; background: #f9f9f9; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h2 style="margin:0;">{{.Title}}</h2></div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <strong>{{.Severity}}</strong></p>
            {{if .Data}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr><td>{{$key}}</td><td>{{$value}}</td></tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">Generated at: {{.Timestamp}}</div>
    </div>
</body>
</html>
`))

func formatEmailBody(notif *Notification) (string, error) {
	headerColor := "#2196F3"
	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, map[string]interface{}{
		"Title":       notif.Title,
		"Message":     notif.Message,
		"Severity":    string(notif.Severity),
		"HeaderColor": headerColor,
		"Data":        notif.Data,
		"Timestamp":   notif.Timestamp.Format(time.RFC1123),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Service) NotifyIndicator(ctx context.Context, ind *models.Indicator) error {
	return s.Send(ctx, &Notification{
		Type:     NotifyIndicator,
		Title:    fmt.Sprintf("New %s indicator: %s", ind.Severity, ind.Type),
		Message:  ind.Description,
		Severity: ind.Severity,
		Data: map[string]interface{}{
			"indicator_id":   ind.ID,
			"indicator_type": string(ind.Type),
			"confidence":     ind.Confidence,
			"entities":       len(ind.EntityIDs),
			"mitigations":    strings.Join(ind.Mitigations, "; "),
		},
		Timestamp: time.Now(),
	})
}

// ContradictionSeverity grades a contradiction by how confident both of its
// sides are.
func ContradictionSeverity(rel *models.Relationship) models.Severity {
	switch {
	case rel.Confidence >= 80:
		return models.SeverityHigh
	case rel.Confidence >= 50:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func (s *Service) NotifyContradiction(ctx context.Context, rel *models.Relationship) error {
	return s.Send(ctx, &Notification{
		Type:     NotifyContradiction,
		Title:    "Contradicting intelligence detected",
		Message:  fmt.Sprintf("Intelligence %s contradicts %s", rel.SourceID, rel.TargetID),
		Severity: ContradictionSeverity(rel),
		Data: map[string]interface{}{
			"relationship_id": rel.ID,
			"rule":            rel.DiscoveredThrough,
			"confidence":      rel.Confidence,
		},
		Timestamp: time.Now(),
	})
}

func (s *Service) NotifyFinding(ctx context.Context, f *models.Finding) error {
	return s.Send(ctx, &Notification{
		Type:     NotifyFinding,
		Title:    fmt.Sprintf("New %s finding", f.Severity),
		Message:  f.Summary,
		Severity: f.Severity,
		Data: map[string]interface{}{
			"finding_id": f.ID,
			"confidence": f.Confidence,
			"entities":   len(f.EntityIDs),
		},
		Timestamp: time.Now(),
	})
}

// NotifyReportPublished always goes out at the report's classification
// derived severity: secret and above are high.
func (s *Service) NotifyReportPublished(ctx context.Context, r *models.IntelReport) error {
	sev := models.SeverityMedium
	if r.Classification >= models.Secret {
		sev = models.SeverityHigh
	}
	return s.Send(ctx, &Notification{
		Type:     NotifyReportPublished,
		Title:    "Report published: " + r.Title,
		Message:  r.Summary,
		Severity: sev,
		Data: map[string]interface{}{
			"report_id":      r.ID,
			"classification": r.Classification.String(),
			"findings":       len(r.KeyFindings),
		},
		Timestamp: time.Now(),
	})
}

var topics = []string{
	eventbus.TopicIndicatorCreated,
	eventbus.TopicContradictionDetected,
	eventbus.TopicFindingCreated,
	eventbus.TopicReportPublished,
}

// Start subscribes to the engine events that produce notifications.
func (s *Service) Start(bus *eventbus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active, s.bus = true, bus
	for _, topic := range topics {
		sub, events := bus.Subscribe(topic)
		s.subs = append(s.subs, sub)
		s.wg.Add(1)
		go s.consume(events)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}
	s.wg.Wait()
}

func (s *Service) consume(events <-chan eventbus.Event) {
	defer s.wg.Done()
	for ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.handle(ctx, ev); err != nil {
			s.logger.Warn("sending notification failed", "topic", ev.Topic, "key", ev.EntityID, "error", err)
		}
		cancel()
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) error {
	switch ev.Topic {
	case eventbus.TopicIndicatorCreated:
		var ind models.Indicator
		if err := decode(ev.Payload, &ind); err != nil {
			return err
		}
		return s.NotifyIndicator(ctx, &ind)
	case eventbus.TopicContradictionDetected:
		var rel models.Relationship
		if err := decode(ev.Payload, &rel); err != nil {
			return err
		}
		return s.NotifyContradiction(ctx, &rel)
	case eventbus.TopicFindingCreated:
		var f models.Finding
		if err := decode(ev.Payload, &f); err != nil {
			return err
		}
		return s.NotifyFinding(ctx, &f)
	case eventbus.TopicReportPublished:
		var r models.IntelReport
		if err := decode(ev.Payload, &r); err != nil {
			return err
		}
		return s.NotifyReportPublished(ctx, &r)
	}
	return nil
}

func decode[T any](payload any, dst *T) error {
	if v, ok := payload.(*T); ok {
		*dst = *v
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
