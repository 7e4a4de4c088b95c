package models

import "time"

// Status tracks delivery progress of a persisted notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
)

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusDelivered, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Priority bounds for NotificationRecord.Priority.
const (
	PriorityMin = 0
	PriorityMax = 3
)

// NotificationRecord is the canonical persisted entity produced by the
// ingestion pipeline. Version guards optimistic concurrency: every update
// must carry the version it read, and bumps it by one on success.
type NotificationRecord struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"project_id"`
	Channel   string            `json:"channel"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  int               `json:"priority"`
	Variables map[string]string `json:"template_variables,omitempty"`
	Status    Status            `json:"status"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// Deleted reports whether the record is soft-deleted.
func (r *NotificationRecord) Deleted() bool {
	return r.DeletedAt != nil
}

// ListFilter narrows and paginates List queries. Zero values mean "no
// constraint"; soft-deleted records are excluded unless IncludeDeleted.
type ListFilter struct {
	ProjectID      string
	Status         Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}
