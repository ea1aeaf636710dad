// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import "time"

// FinalizeState is the state of a two-phase finalization.
type FinalizeState string

// Finalize states. COPYING through COMPLETED is the success path;
// FAILED and ROLLED_BACK are terminal failure states.
const (
	FinalizeCopying    FinalizeState = "COPYING"
	FinalizeCopied     FinalizeState = "COPIED"
	FinalizeVerifying  FinalizeState = "VERIFYING"
	FinalizeCompleted  FinalizeState = "COMPLETED"
	FinalizeFailed     FinalizeState = "FAILED"
	FinalizeRolledBack FinalizeState = "ROLLED_BACK"
)

// Terminal reports whether the state allows no further transitions.
func (state FinalizeState) Terminal() bool {
	return state == FinalizeCompleted || state == FinalizeFailed || state == FinalizeRolledBack
}

// progressByState maps each state to its reported completion percent.
var progressByState = map[FinalizeState]int{
	FinalizeCopying:   25,
	FinalizeCopied:    50,
	FinalizeVerifying: 75,
	FinalizeCompleted: 100,
}

// Progress returns the completion percent reported for the state.
// Failure states keep the progress of the last state reached.
func (state FinalizeState) Progress() int { return progressByState[state] }

// FinalizeTransaction records one two-phase move of a file from its
// staging element to its durable target.
type FinalizeTransaction struct {
	TransactionID string `json:"transaction_id" db:"transaction_id"`
	FileID        FileID `json:"file_id" db:"file_id"`

	SourceElementID string `json:"source_element_id" db:"source_element_id"`
	TargetElementID string `json:"target_element_id" db:"target_element_id"`

	State    FinalizeState `json:"state" db:"state"`
	Progress int           `json:"progress" db:"progress"`
	Checksum string        `json:"checksum" db:"checksum"`
	Error    string        `json:"error" db:"last_error"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
