package models

import (
	"time"

	"github.com/google/uuid"
)

// Task status enums. The posting/application workflow that moves tasks
// through these states lives outside this service; the escrow core only
// needs task ownership and the assigned freelancer.
const (
	TaskStatusOpen       = "open"
	TaskStatusAssigned   = "assigned"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

type Task struct {
	ID           uuid.UUID  `json:"id"`
	ClientID     uuid.UUID  `json:"client_id"`
	FreelancerID *uuid.UUID `json:"freelancer_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Budget       int64      `json:"budget"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
