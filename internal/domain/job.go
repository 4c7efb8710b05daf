package domain

import (
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusLeased     Status = "leased"
	StatusSucceeded  Status = "succeeded"
	StatusCancelled  Status = "cancelled"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether a job in this status can never change again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusCancelled || s == StatusDeadLetter
}

type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityNormal, false
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

type Job struct {
	ID             string
	IdempotencyKey string
	Payload        Payload
	Priority       Priority

	Status      Status
	Attempts    int
	MaxAttempts int

	// NextAttemptAt gates when a pending job becomes eligible for lease.
	// Retry backoff lives here instead of a sleeping worker goroutine.
	NextAttemptAt time.Time

	LeaseToken     *string
	LeasedBy       *string
	LeaseExpiresAt *time.Time

	LastError   *string
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Lease is fenced ownership of one job by one worker. Queue writes carrying
// a token that no longer matches the job row are rejected as stale.
type Lease struct {
	JobID     string
	WorkerID  string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still within its visibility timeout.
func (l Lease) Valid(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
