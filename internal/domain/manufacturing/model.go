package manufacturing

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Collection holds manufacturing items.
const Collection = "manufacturing_items"

// Stage is a step of the fabrication pipeline.
type Stage string

const (
	StageDesign    Stage = "design"
	StageMilling   Stage = "milling"
	StageSintering Stage = "sintering"
	StageFinishing Stage = "finishing"
	StageDelivered Stage = "delivered"
)

var pipeline = []Stage{StageDesign, StageMilling, StageSintering, StageFinishing, StageDelivered}

// Next returns the stage after s.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range pipeline {
		if stage == s && i+1 < len(pipeline) {
			return pipeline[i+1], true
		}
	}
	return "", false
}

var (
	ErrInvalidInput = errors.New("invalid manufacturing input")
	ErrNotFound     = errors.New("manufacturing item not found")
	ErrFinalStage   = errors.New("item already delivered")
)

// Item is one fabricated piece ordered through a lab script.
type Item struct {
	ID          string          `json:"id"`
	LabScriptID string          `json:"lab_script_id"`
	Material    string          `json:"material"`
	Shade       string          `json:"shade,omitempty"`
	Stage       Stage           `json:"stage"`
	Cost        decimal.Decimal `json:"cost"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewItem carries the caller-supplied fields for Create.
type NewItem struct {
	LabScriptID string `validate:"required"`
	Material    string `validate:"required,oneof=zirconia emax pmma titanium gold composite"`
	Shade       string `validate:"omitempty,max=8"`
	Cost        decimal.Decimal
}
