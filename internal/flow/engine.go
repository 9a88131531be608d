package flow

import (
	"errors"
	"time"

	"github.com/zulandar/secretary/internal/artifact"
	"github.com/zulandar/secretary/internal/invoice"
	"github.com/zulandar/secretary/internal/jobs"
)

// Effect is a side effect the caller performs and reports on itself.
type Effect int

const (
	EffectNone Effect = iota
	// EffectClearStaging empties the receipt staging directory.
	EffectClearStaging
)

// JobRequest describes a job the caller must start. Exactly one payload is
// set, matching Job.
type JobRequest struct {
	Job     string
	Manual  invoice.ManualOrder
	Pick    invoice.PickOrder
	Receipt *invoice.Receipt
}

// Decision is the outcome of one engine call. Replies are sent first, then
// Deliver, then FollowUp.
type Decision struct {
	// Next is the state to persist. Nil clears the user's state.
	Next        *State
	Replies     []string
	Deliver     *artifact.Found
	FollowUp    []string
	Job         *JobRequest
	Effect      Effect
	// Fallthrough hands the message on to trigger matching and the assistant.
	Fallthrough bool
}

// Outcome is the result of a job as seen by the engine.
type Outcome struct {
	Err      error
	Artifact artifact.Found
	Receipt  *invoice.Receipt
}

// Options configure an Engine.
type Options struct {
	Destinations  invoice.Destinations
	PickUnitPrice int
	Keywords      Keywords
	Now           func() time.Time
}

type transition struct {
	kind   Kind
	prev   Step
	prompt func(*State) string
	accept func(*State, string) Decision
}

// Engine holds the transition table. It is pure: it never touches storage,
// the network or processes.
type Engine struct {
	dests         invoice.Destinations
	pickUnitPrice int
	keywords      Keywords
	now           func() time.Time
	steps         map[Step]transition
}

// New builds an engine.
func New(opts Options) *Engine {
	e := &Engine{
		dests:         opts.Destinations,
		pickUnitPrice: opts.PickUnitPrice,
		keywords:      opts.Keywords,
		now:           opts.Now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.keywords.Cancel == "" {
		e.keywords.Cancel = "キャンセル"
	}
	if e.keywords.Manual == "" {
		e.keywords.Manual = "請求書作成"
	}
	e.steps = map[Step]transition{
		StepManualDest:    {kind: KindManualInvoice, prompt: constPrompt(promptManualDest), accept: e.acceptManualDest},
		StepManualContent: {kind: KindManualInvoice, prev: StepManualDest, prompt: constPrompt(promptManualContent), accept: e.acceptManualContent},
		StepManualPrice:   {kind: KindManualInvoice, prev: StepManualContent, prompt: constPrompt(promptManualPrice), accept: e.acceptManualPrice},
		StepManualQty:     {kind: KindManualInvoice, prev: StepManualPrice, prompt: constPrompt(promptManualQty), accept: e.acceptManualQty},
		StepManualTax:     {kind: KindManualInvoice, prev: StepManualQty, prompt: constPrompt(promptManualTax), accept: e.acceptManualTax},
		StepPickDest:      {kind: KindPickInvoice, prompt: func(*State) string { return e.promptPickDest() }, accept: e.acceptPickDest},
		StepPickQty:       {kind: KindPickInvoice, prev: StepPickDest, prompt: func(*State) string { return e.promptPickQty() }, accept: e.acceptPickQty},
		StepReceiptImage:  {kind: KindReceiptOCR, prompt: constPrompt(promptReceiptImage), accept: e.acceptReceiptText},
		StepOCRConfirm:    {kind: KindOCRConfirm, prompt: func(s *State) string { return e.msgReceiptConfirm(s.Fields.Receipt) }, accept: e.acceptOCRConfirm},
		StepImageDelete:   {kind: KindImageDeleteConfirm, accept: e.acceptImageDelete},
	}
	return e
}

func constPrompt(text string) func(*State) string {
	return func(*State) string { return text }
}

// KindOf returns the flow a step belongs to.
func (e *Engine) KindOf(step Step) (Kind, bool) {
	switch step {
	case StepManualProcessing:
		return KindManualInvoice, true
	case StepPickProcessing:
		return KindPickInvoice, true
	case StepReceiptProcessing:
		return KindReceiptOCR, true
	case StepOCRProcessing:
		return KindOCRConfirm, true
	}
	t, ok := e.steps[step]
	return t.kind, ok
}

// Previous returns the step Back moves to, if any.
func (e *Engine) Previous(step Step) (Step, bool) {
	t, ok := e.steps[step]
	if !ok || t.prev == "" {
		return "", false
	}
	return t.prev, true
}

func (e *Engine) state(kind Kind, step Step) *State {
	return &State{Kind: kind, Step: step, UpdatedAt: e.now()}
}

func (e *Engine) advance(s *State, step Step) *State {
	s.Step = step
	s.UpdatedAt = e.now()
	return s
}

func (e *Engine) prompt(s *State) string {
	if t, ok := e.steps[s.Step]; ok && t.prompt != nil {
		return t.prompt(s)
	}
	return ""
}

// Start begins the flow a trigger names.
func (e *Engine) Start(trigger Control) Decision {
	var s *State
	switch trigger {
	case TriggerManualInvoice:
		s = e.state(KindManualInvoice, StepManualDest)
	case TriggerPickInvoice:
		s = e.state(KindPickInvoice, StepPickDest)
	case TriggerReceiptScan:
		s = e.state(KindReceiptOCR, StepReceiptImage)
	default:
		return Decision{Fallthrough: true}
	}
	return Decision{Next: s, Replies: []string{System(e.prompt(s))}}
}

// Step feeds a text message to the user's active flow. A processing step
// keeps its state and produces nothing.
func (e *Engine) Step(cur *State, text string) Decision {
	if cur == nil {
		return Decision{Fallthrough: true}
	}
	s := cur.Clone()
	if s.Processing() {
		return Decision{Next: s}
	}
	t, ok := e.steps[s.Step]
	if !ok {
		// Unknown step, typically a state written by an older build.
		return Decision{Fallthrough: true}
	}
	return t.accept(s, text)
}

// Back moves to the previous collection step and re-asks its question. The
// collected value of the current step is left in place and overwritten when
// answered again.
func (e *Engine) Back(cur *State) Decision {
	s := cur.Clone()
	prev, ok := e.Previous(s.Step)
	if !ok {
		return Decision{Next: s, Replies: []string{e.msgCannotGoBack()}}
	}
	e.advance(s, prev)
	return Decision{Next: s, Replies: []string{System(backPrefix + e.prompt(s))}}
}

// Cancel clears the flow.
func (e *Engine) Cancel() Decision {
	return Decision{Replies: []string{MsgCanceled}}
}

func (e *Engine) acceptManualDest(s *State, text string) Decision {
	s.Fields.Dest = text
	e.advance(s, StepManualContent)
	return Decision{Next: s, Replies: []string{System(promptManualContent)}}
}

func (e *Engine) acceptManualContent(s *State, text string) Decision {
	s.Fields.Content = text
	e.advance(s, StepManualPrice)
	return Decision{Next: s, Replies: []string{System(promptManualPrice)}}
}

func (e *Engine) acceptManualPrice(s *State, text string) Decision {
	n, ok := parseInt(text)
	if !ok {
		return Decision{Next: s, Replies: []string{MsgInvalidPrice}}
	}
	s.Fields.Price = n
	e.advance(s, StepManualQty)
	return Decision{Next: s, Replies: []string{System(promptManualQty)}}
}

func (e *Engine) acceptManualQty(s *State, text string) Decision {
	n, ok := parseInt(text)
	if !ok || n < 1 {
		return Decision{Next: s, Replies: []string{MsgInvalidQty}}
	}
	s.Fields.Qty = n
	e.advance(s, StepManualTax)
	return Decision{Next: s, Replies: []string{System(promptManualTax)}}
}

func (e *Engine) acceptManualTax(s *State, text string) Decision {
	tax, ok := invoice.ParseTaxMode(normalize(text))
	if !ok {
		return Decision{Next: s, Replies: []string{e.msgInvalidChoice([]string{string(invoice.TaxIncluded), string(invoice.TaxExcluded)})}}
	}
	s.Fields.Tax = tax
	e.advance(s, StepManualProcessing)
	order := invoice.ManualOrder{
		Dest:    s.Fields.Dest,
		Content: s.Fields.Content,
		Price:   s.Fields.Price,
		Qty:     s.Fields.Qty,
		Tax:     tax,
	}
	return Decision{
		Next:    s,
		Replies: []string{MsgProcessing},
		Job:     &JobRequest{Job: invoice.JobManual, Manual: order},
	}
}

func (e *Engine) acceptPickDest(s *State, text string) Decision {
	code := normalize(text)
	if _, ok := e.dests.Lookup(code); !ok {
		return Decision{Next: s, Replies: []string{e.msgInvalidChoice(e.dests.Codes())}}
	}
	s.Fields.PickDest = code
	e.advance(s, StepPickQty)
	return Decision{Next: s, Replies: []string{System(e.promptPickQty())}}
}

func (e *Engine) acceptPickQty(s *State, text string) Decision {
	n, ok := parseInt(text)
	if !ok || n < 1 {
		return Decision{Next: s, Replies: []string{e.msgInvalidPickQty()}}
	}
	dest, ok := e.dests.Lookup(s.Fields.PickDest)
	if !ok {
		// The destination table changed under a stored state.
		e.advance(s, StepPickDest)
		return Decision{Next: s, Replies: []string{e.msgInvalidChoice(e.dests.Codes())}}
	}
	s.Fields.Qty = n
	e.advance(s, StepPickProcessing)
	return Decision{
		Next:    s,
		Replies: []string{MsgPickProcessing},
		Job:     &JobRequest{Job: invoice.JobPick, Pick: invoice.PickOrder{Dest: dest, Qty: n}},
	}
}

func (e *Engine) acceptReceiptText(s *State, _ string) Decision {
	return Decision{Next: s, Replies: []string{e.msgReceiptReminder()}}
}

func (e *Engine) acceptOCRConfirm(s *State, text string) Decision {
	switch ParseAnswer(text) {
	case AnswerYes:
		e.advance(s, StepOCRProcessing)
		return Decision{
			Next:    s,
			Replies: []string{MsgProcessing},
			Job:     &JobRequest{Job: invoice.JobReceiptGenerate, Receipt: s.Fields.Receipt.Clone()},
		}
	case AnswerNo:
		return Decision{Replies: []string{e.msgReceiptDeclined()}}
	default:
		return Decision{Fallthrough: true}
	}
}

func (e *Engine) acceptImageDelete(_ *State, text string) Decision {
	switch ParseAnswer(text) {
	case AnswerYes:
		return Decision{Effect: EffectClearStaging}
	case AnswerNo:
		return Decision{Replies: []string{MsgImageKept}}
	default:
		return Decision{Fallthrough: true}
	}
}

// ReceiptStarted is the state held while the receipt is being read. It is
// entered from an image whether or not the receipt flow was triggered first.
func (e *Engine) ReceiptStarted() Decision {
	s := e.state(KindReceiptOCR, StepReceiptProcessing)
	return Decision{Next: s, Replies: []string{MsgImageReceived}}
}

// Complete applies a finished job to the state that started it.
func (e *Engine) Complete(cur *State, o Outcome) Decision {
	s := cur.Clone()
	switch s.Step {
	case StepReceiptProcessing:
		if o.Err != nil || o.Receipt == nil {
			return Decision{Replies: []string{e.receiptFailure(o.Err)}}
		}
		s.Kind = KindOCRConfirm
		s.Fields.Receipt = o.Receipt.Clone()
		e.advance(s, StepOCRConfirm)
		return Decision{Next: s, Replies: []string{e.msgReceiptConfirm(s.Fields.Receipt)}}

	case StepOCRProcessing:
		if o.Err != nil {
			return Decision{Replies: []string{jobFailure("請求書", MsgPDFMissing, o.Err)}}
		}
		found := o.Artifact
		next := e.state(KindImageDeleteConfirm, StepImageDelete)
		return Decision{Next: next, Replies: []string{MsgInvoiceDone}, Deliver: &found, FollowUp: []string{MsgDeletePrompt}}

	case StepManualProcessing:
		if o.Err != nil {
			return Decision{Replies: []string{jobFailure("カスタム請求書", MsgPDFMissing, o.Err)}}
		}
		found := o.Artifact
		return Decision{Replies: []string{msgManualDone(s.Fields.Dest)}, Deliver: &found}

	case StepPickProcessing:
		if o.Err != nil {
			return Decision{Replies: []string{jobFailure("ピック用請求書", MsgPickPDFMissing, o.Err)}}
		}
		dest, _ := e.dests.Lookup(s.Fields.PickDest)
		found := o.Artifact
		return Decision{Replies: []string{msgPickDone(dest, s.Fields.Qty)}, Deliver: &found}
	}
	return Decision{Next: s}
}

func (e *Engine) receiptFailure(err error) string {
	var jerr *jobs.Error
	if errors.As(err, &jerr) && jerr.Reason != jobs.ReasonOutput {
		return msgJobFailed("レシートの読み取り", jerr.Message) + "\n" + e.msgManualHint()
	}
	return e.msgReceiptParseFailed()
}

func jobFailure(label, missing string, err error) string {
	if errors.Is(err, artifact.ErrNotFound) {
		return missing
	}
	var jerr *jobs.Error
	if errors.As(err, &jerr) {
		return msgJobFailed(label, jerr.Message)
	}
	return MsgUnexpected
}
