// Package invoice holds the invoice domain: pick destinations, tax modes,
// receipt payloads and the command lines of the generation programs.
package invoice

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/zulandar/secretary/internal/config"
)

var yen = message.NewPrinter(language.Japanese)

// FormatYen renders n with thousands separators, e.g. 12,000円.
func FormatYen(n int) string {
	return yen.Sprintf("%d円", n)
}

// Destination is one entry of the static pick destination table.
type Destination struct {
	Code  string
	Name  string
	Short string
}

// Destinations is the ordered pick destination table.
type Destinations struct {
	list []Destination
}

// NewDestinations builds the table from configuration, preserving order.
func NewDestinations(cfg []config.DestinationConfig) Destinations {
	d := Destinations{list: make([]Destination, 0, len(cfg))}
	for _, c := range cfg {
		d.list = append(d.list, Destination{Code: c.Code, Name: c.Name, Short: c.Short})
	}
	return d
}

// Lookup finds the destination for a code.
func (d Destinations) Lookup(code string) (Destination, bool) {
	for _, dest := range d.list {
		if dest.Code == code {
			return dest, true
		}
	}
	return Destination{}, false
}

// Menu lists the destinations one per line as "code: name".
func (d Destinations) Menu() string {
	lines := make([]string, len(d.list))
	for i, dest := range d.list {
		lines[i] = fmt.Sprintf("%s: %s", dest.Code, dest.Name)
	}
	return strings.Join(lines, "\n")
}

// Codes returns the valid codes in table order.
func (d Destinations) Codes() []string {
	codes := make([]string, len(d.list))
	for i, dest := range d.list {
		codes[i] = dest.Code
	}
	return codes
}

// TaxMode is how a manual invoice price is interpreted.
type TaxMode string

const (
	TaxIncluded TaxMode = "1"
	TaxExcluded TaxMode = "2"
)

// ParseTaxMode accepts the two discrete codes.
func ParseTaxMode(s string) (TaxMode, bool) {
	switch TaxMode(s) {
	case TaxIncluded, TaxExcluded:
		return TaxMode(s), true
	}
	return "", false
}

// Label is the Japanese name of the mode.
func (t TaxMode) Label() string {
	switch t {
	case TaxIncluded:
		return "税込み"
	case TaxExcluded:
		return "税抜き"
	}
	return string(t)
}

// ConsumptionTaxPercent is the rate added to tax-excluded prices.
const ConsumptionTaxPercent = 10

// ManualOrder is a fully collected manual invoice.
type ManualOrder struct {
	Dest    string  `json:"dest"`
	Content string  `json:"content"`
	Price   int     `json:"price"`
	Qty     int     `json:"qty"`
	Tax     TaxMode `json:"tax"`
}

// Total is the billed amount, rounding tax down to the yen.
func (o ManualOrder) Total() int {
	sub := o.Price * o.Qty
	if o.Tax == TaxExcluded {
		return sub + sub*ConsumptionTaxPercent/100
	}
	return sub
}

// PickOrder is a fully collected pick invoice.
type PickOrder struct {
	Dest Destination `json:"dest"`
	Qty  int         `json:"qty"`
}

// Total is qty times the per-unit pick price.
func (o PickOrder) Total(unitPrice int) int {
	return o.Qty * unitPrice
}
