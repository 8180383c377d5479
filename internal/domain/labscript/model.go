package labscript

import (
	"time"
)

const (
	// Collection holds lab scripts.
	Collection = "lab_scripts"
	// CommentsCollection holds comments keyed by lab_script_id.
	CommentsCollection = "lab_script_comments"
)

// Status is the lifecycle state of a lab script.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusSent       Status = "sent"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusDraft:      {StatusSent, StatusCancelled},
	StatusSent:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a script may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LabScript is a prescription sent to a dental lab.
type LabScript struct {
	ID        string     `json:"id"`
	PatientID string     `json:"patient_id" validate:"required"`
	Lab       string     `json:"lab" validate:"required,max=120"`
	Procedure string     `json:"procedure" validate:"required,max=200"`
	Status    Status     `json:"status" validate:"required,oneof=draft sent in_progress completed cancelled"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Notes     string     `json:"notes,omitempty" validate:"max=2000"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`

	Comments []Comment `json:"comments,omitempty"`
}

// Comment is a note attached to a lab script.
type Comment struct {
	ID          string    `json:"id"`
	LabScriptID string    `json:"lab_script_id" validate:"required"`
	Author      string    `json:"author" validate:"required"`
	Body        string    `json:"body" validate:"required,max=2000"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewLabScript carries the caller-supplied fields for Create.
type NewLabScript struct {
	PatientID string     `validate:"required"`
	Lab       string     `validate:"required,max=120"`
	Procedure string     `validate:"required,max=200"`
	DueDate   *time.Time `validate:"omitempty"`
	Notes     string     `validate:"max=2000"`
}
