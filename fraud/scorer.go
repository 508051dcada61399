// Package fraud scores how suspicious an extracted invoice looks by adding fixed weights
// for each failed plausibility check.
package fraud

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/parser"
)

const (
	// AnomalyThreshold is the score at which an invoice is flagged as fraud.
	AnomalyThreshold = 0.7

	mediumRiskFrom = 0.5
	highRiskFrom   = 0.8

	minAmount     = 1000.0
	maxAmount     = 1000000000.0
	maxDateAgeDay = 730
	minOCRLength  = 50
	maxSpecial    = 0.3
)

// Check codes.
const (
	CheckInvoiceNumber = "invoice_number_format"
	CheckAmount        = "amount_plausibility"
	CheckDate          = "date_plausibility"
	CheckSupplier      = "supplier_name_plausibility"
	CheckOCRQuality    = "ocr_text_quality"
)

const ReasonScorerError = "scorer_error"

type Input struct {
	InvoiceNumber *string
	SupplierName  *string
	TotalAmount   *float64
	IssueDate     *time.Time
}

func InputFromFields(f parser.Fields) Input {
	return Input{
		InvoiceNumber: f.InvoiceNumber,
		SupplierName:  f.SupplierName,
		TotalAmount:   f.TotalAmount,
		IssueDate:     f.IssueDate,
	}
}

type Indicator struct {
	Check   string  `json:"check"`
	Message string  `json:"message"`
	Weight  float64 `json:"weight"`
}

type Result struct {
	IsFraud        bool             `json:"is_fraud"`
	RiskScore      float64          `json:"risk_score"`
	RiskLevel      models.RiskLevel `json:"risk_level"`
	Indicators     []Indicator      `json:"indicators"`
	Recommendation string           `json:"recommendation"`
	Fallback       bool             `json:"fallback"`
	Reason         string           `json:"reason,omitempty"`
}

type check struct {
	code    string
	message string
	weight  float64
	passes  func(s *Scorer, in Input, rawText string) bool
}

var checks = []check{
	{CheckInvoiceNumber, "Số hóa đơn không hợp lệ", 0.20, func(_ *Scorer, in Input, _ string) bool { return validInvoiceNumber(in.InvoiceNumber) }},
	{CheckAmount, "Số tiền bất thường", 0.30, func(_ *Scorer, in Input, _ string) bool { return validAmount(in.TotalAmount) }},
	{CheckDate, "Ngày tháng không hợp lệ", 0.20, func(s *Scorer, in Input, _ string) bool { return validDate(in.IssueDate, s.now()) }},
	{CheckSupplier, "Tên nhà cung cấp không hợp lệ", 0.10, func(_ *Scorer, in Input, _ string) bool { return validSupplier(in.SupplierName) }},
	{CheckOCRQuality, "Chất lượng ảnh kém, có thể là giả", 0.20, func(_ *Scorer, _ Input, raw string) bool { return goodOCRQuality(raw) }},
}

type Scorer struct {
	Now func() time.Time
}

func NewScorer() *Scorer {
	return &Scorer{Now: time.Now}
}

func (s *Scorer) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func fallbackResult(detail string) Result {
	return Result{
		RiskLevel:      models.RiskLevelLow,
		Indicators:     []Indicator{},
		Recommendation: "Không thể phân tích",
		Fallback:       true,
		Reason:         ReasonScorerError + ": " + detail,
	}
}

// Score never fails; a panic inside a check yields the safe zero-score result.
func (s *Scorer) Score(in Input, rawText string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = fallbackResult(fmt.Sprintf("%v", r))
		}
	}()

	indicators := []Indicator{}
	var score float64
	for _, c := range checks {
		if c.passes(s, in, rawText) {
			continue
		}
		indicators = append(indicators, Indicator{Check: c.code, Message: c.message, Weight: c.weight})
		score += c.weight
	}
	score = math.Round(math.Min(math.Max(score, 0), 1)*100) / 100

	return Result{
		IsFraud:        score >= AnomalyThreshold,
		RiskScore:      score,
		RiskLevel:      LevelForScore(score),
		Indicators:     indicators,
		Recommendation: RecommendationForScore(score),
	}
}

func LevelForScore(score float64) models.RiskLevel {
	switch {
	case score >= highRiskFrom:
		return models.RiskLevelHigh
	case score >= mediumRiskFrom:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func RecommendationForScore(score float64) string {
	switch {
	case score >= highRiskFrom:
		return "🚨 CẦN KIỂM TRA THỦ CÔNG - Rủi ro cao"
	case score >= mediumRiskFrom:
		return "⚠️ CẦN XEM XÉT - Rủi ro trung bình"
	default:
		return "✅ AN TOÀN - Có thể xử lý tự động"
	}
}

// HasIndicator reports whether the named check failed.
func (r Result) HasIndicator(code string) bool {
	for _, ind := range r.Indicators {
		if ind.Check == code {
			return true
		}
	}
	return false
}

func validInvoiceNumber(n *string) bool {
	if n == nil || len(*n) < 4 {
		return false
	}
	for _, r := range *n {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validAmount(a *float64) bool {
	if a == nil || *a == 0 {
		return false
	}
	return *a >= minAmount && *a <= maxAmount
}

// validDate passes when the date is absent.
func validDate(d *time.Time, now time.Time) bool {
	if d == nil {
		return true
	}
	if d.After(now) {
		return false
	}
	return int(now.Sub(*d).Hours()/24) <= maxDateAgeDay
}

func validSupplier(name *string) bool {
	if name == nil || *name == "" {
		return false
	}
	n := utf8.RuneCountInString(*name)
	if n < 3 || n > 100 {
		return false
	}
	return !strings.ContainsFunc(*name, func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || unicode.IsSpace(r) {
			return false
		}
		return !strings.ContainsRune("&.,-", r)
	})
}

func goodOCRQuality(text string) bool {
	if utf8.RuneCountInString(text) < minOCRLength {
		return false
	}
	return parser.SpecialCharRatio(text) <= maxSpecial
}
