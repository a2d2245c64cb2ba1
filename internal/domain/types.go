package domain

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Task is a unit of work dispatched to a named handler. Payload is opaque;
// the scheduler never inspects it.
type Task struct {
	ID          string
	UserID      string
	HandlerName string
	Payload     json.RawMessage
	NextRunAt   time.Time
	Interval    time.Duration // zero means one-shot
	CronExpr    string        // set instead of Interval for cron recurrence
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t Task) Recurring() bool { return t.Interval > 0 || t.CronExpr != "" }

type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
	RoleAction Role = "action"
)

// Session is a per-user append-only log of orchestration events.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	Seq       int64
	Role      Role
	Name      string
	Data      json.RawMessage
	Timestamp time.Time
}
