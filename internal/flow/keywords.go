package flow

import (
	"strings"

	"github.com/zulandar/secretary/internal/config"
)

// Control is the class of a keyword message.
type Control int

const (
	ControlNone Control = iota
	ControlCancel
	ControlBack
	TriggerManualInvoice
	TriggerPickInvoice
	TriggerReceiptScan
)

// Keywords matches exact-match control words and flow triggers.
type Keywords struct {
	entries []keywordEntry
	// Manual is shown in hints that point users to manual entry.
	Manual string
	// Cancel is shown in hints that explain how to quit.
	Cancel string
}

type keywordEntry struct {
	word    string
	control Control
}

// NewKeywords builds a matcher from configuration.
func NewKeywords(cfg config.KeywordsConfig) Keywords {
	k := Keywords{Manual: first(cfg.ManualInvoice, "請求書作成"), Cancel: first(cfg.Cancel, "キャンセル")}
	add := func(words []string, c Control) {
		for _, w := range words {
			if w = normalize(w); w != "" {
				k.entries = append(k.entries, keywordEntry{word: w, control: c})
			}
		}
	}
	add(cfg.Cancel, ControlCancel)
	add(cfg.Back, ControlBack)
	add(cfg.ManualInvoice, TriggerManualInvoice)
	add(cfg.PickInvoice, TriggerPickInvoice)
	add(cfg.ReceiptScan, TriggerReceiptScan)
	return k
}

// Classify returns the control a message matches, or ControlNone.
func (k Keywords) Classify(text string) Control {
	t := normalize(text)
	for _, e := range k.entries {
		if strings.EqualFold(t, e.word) {
			return e.control
		}
	}
	return ControlNone
}

// IsTrigger reports whether c starts a flow.
func (c Control) IsTrigger() bool {
	return c == TriggerManualInvoice || c == TriggerPickInvoice || c == TriggerReceiptScan
}

func first(words []string, def string) string {
	if len(words) > 0 && words[0] != "" {
		return words[0]
	}
	return def
}
