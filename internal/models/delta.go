package models

import (
	"github.com/shopspring/decimal"
)

// Editable field keys. A draft patch may contain these keys and no others;
// anything else is rejected at the boundary as a validation error.
const (
	FieldForecastStart     = "forecastStart"
	FieldForecastEnd       = "forecastEnd"
	FieldForecastCategory  = "forecastCategory"
	FieldAssignedTo        = "assignedTo"
	FieldDiscontinued      = "discontinued"
	FieldFundsTransferable = "fundsTransferable"
	FieldMonthlyRate       = "monthlyRate"
	FieldNotes             = "notes"
	FieldTags              = "tags"
)

// EditableFields is the allow-list gate for draft patches.
var EditableFields = map[string]struct{}{
	FieldForecastStart:     {},
	FieldForecastEnd:       {},
	FieldForecastCategory:  {},
	FieldAssignedTo:        {},
	FieldDiscontinued:      {},
	FieldFundsTransferable: {},
	FieldMonthlyRate:       {},
	FieldNotes:             {},
	FieldTags:              {},
}

// DeltaPatch is the typed form of a draft patch. Every field is optional;
// only keys present in the incoming JSON are validated and stored. Dates use
// the source system's YYYY-MM-DD convention.
type DeltaPatch struct {
	ForecastStart     *string          `json:"forecastStart,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ForecastEnd       *string          `json:"forecastEnd,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ForecastCategory  *string          `json:"forecastCategory,omitempty" validate:"omitempty,max=128"`
	AssignedTo        *string          `json:"assignedTo,omitempty" validate:"omitempty,max=255"`
	Discontinued      *bool            `json:"discontinued,omitempty"`
	FundsTransferable *bool            `json:"fundsTransferable,omitempty"`
	MonthlyRate       *decimal.Decimal `json:"monthlyRate,omitempty"`
	Notes             *string          `json:"notes,omitempty" validate:"omitempty,max=4000"`
	Tags              []string         `json:"tags,omitempty" validate:"omitempty,dive,max=64"`
}
