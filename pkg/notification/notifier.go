package notification

import "fmt"

// NoticeType identifies a kind of notification (e.g. a two-factor code email).
type NoticeType string

const (
	// TwoFactorCodeNotice carries a one-time login code to the user
	TwoFactorCodeNotice NoticeType = "two_factor_code"
)

// NotificationData is the payload handed to a notifier.
type NotificationData struct {
	To   string            // Recipient address
	Data map[string]string // Template values (e.g. "Code")
}

// NoticeTemplate holds the rendered-from templates for one notice type.
type NoticeTemplate struct {
	Subject string
	Text    string
	Html    string
}

// Notifier delivers a notice through one transport (SMTP, mock, ...).
type Notifier interface {
	Send(noticeType NoticeType, data NotificationData, template NoticeTemplate) error
}

// Manager resolves templates per notice type and fans out to a notifier.
type Manager struct {
	notifier  Notifier
	templates map[NoticeType]NoticeTemplate
}

// NewManager creates a Manager with the built-in templates registered.
func NewManager(notifier Notifier) *Manager {
	m := &Manager{
		notifier:  notifier,
		templates: make(map[NoticeType]NoticeTemplate),
	}
	m.Register(TwoFactorCodeNotice, twoFactorCodeTemplate)
	return m
}

// Register adds or replaces the template for a notice type.
func (m *Manager) Register(noticeType NoticeType, template NoticeTemplate) {
	m.templates[noticeType] = template
}

// Send delivers a notice of the given type.
func (m *Manager) Send(noticeType NoticeType, data NotificationData) error {
	template, exists := m.templates[noticeType]
	if !exists {
		return fmt.Errorf("no template registered for notice type: %s", noticeType)
	}
	return m.notifier.Send(noticeType, data, template)
}

var twoFactorCodeTemplate = NoticeTemplate{
	Subject: "Your verification code",
	Text:    "Your verification code is {{.Code}}. It expires in {{.ExpiresIn}}.",
	Html:    "<p>Your verification code is <strong>{{.Code}}</strong>.</p><p>It expires in {{.ExpiresIn}}.</p>",
}
