package invoice

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoItems means the receipt parsed but listed nothing.
var ErrNoItems = errors.New("invoice: receipt has no items")

// Item is one receipt line.
type Item struct {
	Name  string `json:"name"`
	Unit  int    `json:"unit"`
	Qty   int    `json:"qty"`
	Total int    `json:"total"`
}

// Receipt is the structured payload exchanged with the receipt program.
type Receipt struct {
	Date  string `json:"date,omitempty"`
	Store string `json:"store,omitempty"`
	Items []Item `json:"items"`
}

// ParseReceipt decodes the receipt program's JSON. A bare item array is
// accepted as well as the object form.
func ParseReceipt(raw []byte) (*Receipt, error) {
	raw = bytes.TrimSpace(raw)
	var r Receipt
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &r.Items); err != nil {
			return nil, fmt.Errorf("invoice: decode receipt items: %w", err)
		}
	} else if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("invoice: decode receipt: %w", err)
	}
	for i := range r.Items {
		it := &r.Items[i]
		it.Name = strings.TrimSpace(it.Name)
		if it.Total == 0 {
			it.Total = it.Unit * it.Qty
		}
	}
	if len(r.Items) == 0 {
		return nil, ErrNoItems
	}
	return &r, nil
}

// Total sums the line totals.
func (r *Receipt) Total() int {
	sum := 0
	for _, it := range r.Items {
		sum += it.Total
	}
	return sum
}

// Summary is the itemised confirmation text.
func (r *Receipt) Summary() string {
	var b strings.Builder
	if r.Date != "" {
		fmt.Fprintf(&b, "日付: %s\n", r.Date)
	}
	for i, it := range r.Items {
		fmt.Fprintf(&b, "%d. %s  %s × %d = %s\n", i+1, it.Name, FormatYen(it.Unit), it.Qty, FormatYen(it.Total))
	}
	fmt.Fprintf(&b, "合計: %s", FormatYen(r.Total()))
	return b.String()
}

// Clone returns a deep copy.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	c := *r
	c.Items = append([]Item(nil), r.Items...)
	return &c
}
