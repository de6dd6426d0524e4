package notification

import "sync"

// MockNotifier records sent notifications for tests and the demo binary.
type MockNotifier struct {
	mu                sync.Mutex
	SentNotifications []NotificationData
}

func (m *MockNotifier) Send(noticeType NoticeType, data NotificationData, template NoticeTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentNotifications = append(m.SentNotifications, data)
	return nil
}

// LastSent returns the most recently sent notification, if any.
func (m *MockNotifier) LastSent() (NotificationData, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.SentNotifications) == 0 {
		return NotificationData{}, false
	}
	return m.SentNotifications[len(m.SentNotifications)-1], true
}
