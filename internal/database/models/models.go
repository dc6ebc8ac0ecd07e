package models

import "time"

// Extension is a provisioned internal line. Provisioning happens elsewhere;
// the signaling core only reads these rows.
type Extension struct {
	ID        int64
	TenantID  int64
	Extension string
	Name      string
	PINHash   string // argon2id
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Special route kinds. A dialed number matching one of these must be reached
// through the external call path instead of direct signaling.
const (
	RouteKindIVR   = "ivr"
	RouteKindQueue = "queue"
)

// SpecialRoute maps a dialable number to an IVR menu or a call queue.
type SpecialRoute struct {
	ID        int64
	TenantID  int64
	Number    string
	Kind      string
	Target    string // IVR menu or queue identifier in the external system
	CreatedAt time.Time
}
