package notify

import (
	"sync"
	"time"

	"CryptoHub/internal/observability"

	"github.com/google/uuid"
)

// Severity classifies a notification for display.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// StorageCap is the most-recent-N retention bound; VisibleCap is how
// many the UI shows at once.
const (
	StorageCap = 50
	VisibleCap = 5
)

// Notification is an ephemeral, client-owned user-facing event.
// Read/unread is the only state transition.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a process-wide, capped, newest-first notification list.
// Constructed per instance with an explicit lifecycle so tests can
// build isolated stores; all mutation goes through this API.
type Store struct {
	mu      sync.Mutex
	items   []Notification // newest first
	metrics *observability.Metrics
}

func NewStore(metrics *observability.Metrics) *Store {
	return &Store{metrics: metrics}
}

// Add prepends a notification, evicting the oldest beyond StorageCap.
// Returns the stored notification with its assigned id.
func (s *Store) Add(title, message string, severity Severity) Notification {
	n := Notification{
		ID:        uuid.New(),
		Title:     title,
		Message:   message,
		Severity:  severity,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.items = append([]Notification{n}, s.items...)
	if len(s.items) > StorageCap {
		evicted := len(s.items) - StorageCap
		s.items = s.items[:StorageCap]
		if s.metrics != nil {
			s.metrics.NotificationsEvicted.Add(float64(evicted))
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.NotificationsEmitted.WithLabelValues(string(severity)).Inc()
	}
	return n
}

// List returns up to limit notifications, newest first. limit <= 0
// returns everything retained.
func (s *Store) List(limit int) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.items) {
		limit = len(s.items)
	}
	out := make([]Notification, limit)
	copy(out, s.items[:limit])
	return out
}

// UnreadCount returns how many notifications are unread.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if !item.Read {
			n++
		}
	}
	return n
}

// MarkRead flags one notification as read. Reports whether it existed.
func (s *Store) MarkRead(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].Read = true
			return true
		}
	}
	return false
}

// MarkAllRead flags every retained notification as read.
func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.items {
		s.items[i].Read = true
	}
}

// Clear drops all notifications.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Len returns the retained count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
