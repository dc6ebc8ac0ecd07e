// Package history defines the persisted record of ended calls.
package history

import (
	"context"
	"time"
)

// Kind distinguishes direct extension calls from queue calls.
type Kind string

const (
	KindDirect Kind = "direct"
	KindQueue  Kind = "queue"
)

// Record is one ended call. For direct calls Caller and Callee are extension
// numbers. For queue calls Caller is the external number and Callee is the
// extension that took the call, empty if nobody did.
type Record struct {
	ID         int64
	CallID     string
	Kind       Kind
	TenantID   int64
	Caller     string
	Callee     string
	QueueID    string
	StartedAt  time.Time
	AnsweredAt *time.Time
	EndedAt    time.Time
	EndReason  string
}

// Duration returns the talk time, zero for unanswered calls.
func (r *Record) Duration() time.Duration {
	if r.AnsweredAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.AnsweredAt)
}

// Store persists call records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	RecentForExtension(ctx context.Context, tenantID int64, ext string, limit int) ([]Record, error)
}
