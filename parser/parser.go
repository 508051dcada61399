// Package parser extracts invoice fields from OCR text with ordered regular expressions.
// Parsing is pure: the same text always yields the same Fields, and a field that does
// not match is left nil.
package parser

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// AmountFloor is the smallest total kept when several amount candidates exist.
const AmountFloor = 1000.0

const maxItems = 10

// MaxSupplierRunes bounds a supplier name; longer candidates are OCR noise.
const MaxSupplierRunes = 100

const amountPattern = `\d{1,3}(?:[.,]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

var (
	invoiceNumberPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:Số|No|Number)[\s:.#]*(\d{4,10})\b`),
		regexp.MustCompile(`(?i)\b(?:Hóa đơn|Invoice)[\s:#]*(\d{4,10})\b`),
		regexp.MustCompile(`(?i)\b(\d{4,10})\s*(?:ngày|date|tháng)`),
	}

	labelledTotalRe = regexp.MustCompile(`(?i)(?:Tổng cộng tiền thanh toán|Tổng cộng|Tổng tiền|Total amount|Total|Tổng)(?:[^\d\n]|\d{1,2}\s*%){0,30}?\b(` + amountPattern + `)(?:[^\d%]|$)`)
	currencyAmountRe = regexp.MustCompile(`(?i)\b(` + amountPattern + `)\s*(?:VND|đồng|đ|₫)`)

	// Most specific label first. Tax codes are blanked out before these run.
	taxPatterns = []*regexp.Regexp{
		taxLabelRe(`Thuế GTGT`),
		taxLabelRe(`Tiền thuế`),
		taxLabelRe(`VAT`),
		taxLabelRe(`Thuế`),
		taxLabelRe(`Tax`),
	}
	taxCodeRe = regexp.MustCompile(`(?i)(?:Mã số thuế|\bMST\b|Tax code|Tax ID)[\s:.]*[\d][\d\- ]*`)

	dueDateRe = regexp.MustCompile(`(?i)(?:Hạn thanh toán|Due date|Đến hạn)[\s:]*((?:\d{1,2}[/-]\d{1,2}[/-]\d{4})|(?:ngày\s*\d{1,2}\s*tháng\s*\d{1,2}\s*năm\s*\d{4}))`)

	supplierPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:Công ty|Company|Corp|Ltd)[ \t:]*([\p{L}][\p{L} \t&.\-]+)`),
		regexp.MustCompile(`(\p{Lu}[\p{L} \t&]+(?:JSC|Ltd|Corp|Company))`),
	}
	supplierSkipWords = []string{"HÓA ĐƠN", "INVOICE", "GTGT", "BILL", "RECEIPT"}

	itemLineRe = regexp.MustCompile(`^\s*(\d+)\s+(.+?)\s+(\d[\d.,]*)\s*$`)
)

func taxLabelRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + label + `(?:[^\d\n]|\d{1,2}\s*%){0,30}?\b(` + amountPattern + `)(?:[^\d%]|$)`)
}

type Item struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
	Total    float64 `json:"total"`
}

type Fields struct {
	InvoiceNumber *string    `json:"invoice_number"`
	SupplierName  *string    `json:"supplier_name"`
	TotalAmount   *float64   `json:"total_amount"`
	TaxAmount     *float64   `json:"tax_amount"`
	IssueDate     *time.Time `json:"issue_date"`
	DueDate       *time.Time `json:"due_date"`
	Items         []Item     `json:"items"`
	Confidence    float64    `json:"confidence_score"`
}

func Parse(text string) Fields {
	f := Fields{
		InvoiceNumber: InvoiceNumber(text),
		SupplierName:  SupplierName(text),
		TotalAmount:   TotalAmount(text),
		TaxAmount:     TaxAmount(text),
		Items:         Items(text),
	}
	f.DueDate = DueDate(text)
	f.IssueDate = IssueDate(text)
	f.Confidence = confidence(f)
	return f
}

func InvoiceNumber(text string) *string {
	for _, re := range invoiceNumberPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			v := m[1]
			return &v
		}
	}
	return nil
}

// TotalAmount picks the largest candidate after dropping values under AmountFloor,
// unless that would drop every candidate.
func TotalAmount(text string) *float64 {
	var candidates []float64
	for _, re := range []*regexp.Regexp{labelledTotalRe, currencyAmountRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if v, ok := ParseAmount(m[1]); ok {
				candidates = append(candidates, v)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) > 1 {
		kept := make([]float64, 0, len(candidates))
		for _, v := range candidates {
			if v >= AmountFloor {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			candidates = kept
		}
	}
	best := candidates[0]
	for _, v := range candidates[1:] {
		best = math.Max(best, v)
	}
	return &best
}

// TaxAmount reads the first labelled tax amount. Tax registration numbers
// ("Mã số thuế", "MST") are not amounts and are skipped.
func TaxAmount(text string) *float64 {
	blanked := taxCodeRe.ReplaceAllStringFunc(text, func(s string) string {
		return strings.Repeat(" ", utf8.RuneCountInString(s))
	})
	for _, re := range taxPatterns {
		m := re.FindStringSubmatch(blanked)
		if m == nil {
			continue
		}
		if v, ok := ParseAmount(m[1]); ok {
			return &v
		}
	}
	return nil
}

func DueDate(text string) *time.Time {
	m := dueDateRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	t, ok := ParseDate(m[1])
	if !ok {
		return nil
	}
	return &t
}

// IssueDate ignores dates that belong to a due-date label.
func IssueDate(text string) *time.Time {
	blanked := dueDateRe.ReplaceAllStringFunc(text, func(s string) string {
		return strings.Repeat(" ", utf8.RuneCountInString(s))
	})
	t, ok := ParseDate(blanked)
	if !ok {
		return nil
	}
	return &t
}

// SupplierName tries the company patterns, then the first plausible header line.
func SupplierName(text string) *string {
	for _, re := range supplierPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" && utf8.RuneCountInString(v) <= MaxSupplierRunes {
				return &v
			}
		}
	}

	lines := strings.Split(text, "\n")
	if len(lines) > 5 {
		lines = lines[:5]
	}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		n := utf8.RuneCountInString(line)
		if n <= 10 || n > MaxSupplierRunes || !hasUpper(line) || isDocumentTitle(line) {
			continue
		}
		return &line
	}
	return nil
}

func Items(text string) []Item {
	var items []Item
	for _, line := range strings.Split(text, "\n") {
		if len(items) == maxItems {
			break
		}
		if numericDateRe.MatchString(line) || localizedDateRe.MatchString(line) {
			continue
		}
		m := itemLineRe.FindStringSubmatch(line)
		if m == nil || !hasLetter(m[2]) {
			continue
		}
		qty, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		price, ok := ParseAmount(m[3])
		if !ok {
			continue
		}
		items = append(items, Item{
			Name:     strings.TrimSpace(m[2]),
			Quantity: qty,
			Price:    price,
			Total:    float64(qty) * price,
		})
	}
	return items
}

// confidence weighs the main fields equally and tax at half.
func confidence(f Fields) float64 {
	score := 0.0
	if f.InvoiceNumber != nil {
		score++
	}
	if f.SupplierName != nil {
		score++
	}
	if f.TotalAmount != nil && *f.TotalAmount > 0 {
		score++
	}
	if f.IssueDate != nil {
		score++
	}
	if len(f.Items) > 0 {
		score++
	}
	if f.TaxAmount != nil && *f.TaxAmount > 0 {
		score += 0.5
	}
	return math.Round(score/6*100) / 100
}

// ToMap renders the fields for the extracted-data JSON column.
func (f Fields) ToMap() map[string]interface{} {
	items := make([]interface{}, 0, len(f.Items))
	for _, it := range f.Items {
		items = append(items, map[string]interface{}{
			"name":     it.Name,
			"quantity": it.Quantity,
			"price":    it.Price,
			"total":    it.Total,
		})
	}
	return map[string]interface{}{
		"invoice_number":   stringOrNil(f.InvoiceNumber),
		"supplier_name":    stringOrNil(f.SupplierName),
		"total_amount":     floatOrNil(f.TotalAmount),
		"tax_amount":       floatOrNil(f.TaxAmount),
		"issue_date":       dateOrNil(f.IssueDate),
		"due_date":         dateOrNil(f.DueDate),
		"items":            items,
		"confidence_score": f.Confidence,
	}
}

func stringOrNil(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func dateOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func isDocumentTitle(line string) bool {
	upper := strings.ToUpper(line)
	for _, w := range supplierSkipWords {
		if strings.Contains(upper, w) {
			return true
		}
	}
	return false
}
