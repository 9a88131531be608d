// Package flow is the conversation state machine: given a user's current
// flow state and an inbound message it decides the next state, the replies to
// send and the job to start.
package flow

import (
	"strings"
	"time"

	"github.com/zulandar/secretary/internal/invoice"
)

// Kind names a flow family.
type Kind string

const (
	KindManualInvoice      Kind = "manual-invoice"
	KindPickInvoice        Kind = "pick-invoice"
	KindReceiptOCR         Kind = "receipt-ocr"
	KindOCRConfirm         Kind = "ocr-confirm"
	KindImageDeleteConfirm Kind = "image-delete-confirm"
)

// Step is a position within a flow. Step names are unique across kinds.
type Step string

const (
	StepManualDest       Step = "awaiting-manual-dest"
	StepManualContent    Step = "awaiting-manual-content"
	StepManualPrice      Step = "awaiting-manual-price"
	StepManualQty        Step = "awaiting-manual-qty"
	StepManualTax        Step = "awaiting-manual-tax"
	StepManualProcessing Step = "processing-manual"

	StepPickDest       Step = "awaiting-pick-dest"
	StepPickQty        Step = "awaiting-pick-qty"
	StepPickProcessing Step = "processing-pick"

	StepReceiptImage      Step = "awaiting-receipt-image"
	StepReceiptProcessing Step = "processing-receipt"

	StepOCRConfirm    Step = "awaiting-ocr-confirm"
	StepOCRProcessing Step = "processing-ocr-generate"

	StepImageDelete Step = "awaiting-image-delete"
)

// Processing reports whether the step waits on a running job. Inbound text is
// ignored in these steps.
func (s Step) Processing() bool {
	return strings.HasPrefix(string(s), "processing")
}

// Fields are the values collected so far.
type Fields struct {
	Dest     string           `json:"dest,omitempty"`
	Content  string           `json:"content,omitempty"`
	Price    int              `json:"price,omitempty"`
	Qty      int              `json:"qty,omitempty"`
	Tax      invoice.TaxMode  `json:"tax,omitempty"`
	PickDest string           `json:"pick_dest,omitempty"`
	Receipt  *invoice.Receipt `json:"receipt,omitempty"`
}

// State is the single active flow of one user.
type State struct {
	Kind      Kind      `json:"kind"`
	Step      Step      `json:"step"`
	Fields    Fields    `json:"fields"`
	JobID     string    `json:"job_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stored states are never mutated in place.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields.Receipt = s.Fields.Receipt.Clone()
	return &c
}

// Processing is shorthand for s.Step.Processing().
func (s *State) Processing() bool {
	return s != nil && s.Step.Processing()
}
