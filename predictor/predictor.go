// Package predictor estimates processing time and approval probability from extracted
// fields. The confidences it reports are fixed constants, not derived from data.
package predictor

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/mmdatafocus/invoice_backend/parser"
)

const (
	baseSeconds            = 30
	longTextPenalty        = 20
	missingNumberPenalty   = 15
	missingSupplierPenalty = 10
	lowQualityPenalty      = 25

	longTextRunes        = 1000
	lowQualityBelow      = 0.7
	poorQualityBelow     = 0.5
	shortTextRunes       = 100
	processingConfidence = 0.8
	approvalConfidence   = 0.75

	fallbackSeconds     = 60
	fallbackProbability = 0.5
	fallbackConfidence  = 0.5
)

const ReasonPredictorError = "predictor_error"

type Input struct {
	InvoiceNumber *string
	SupplierName  *string
	TotalAmount   *float64
	HasIssueDate  bool
	RawText       string
}

func InputFromFields(f parser.Fields, rawText string) Input {
	return Input{
		InvoiceNumber: f.InvoiceNumber,
		SupplierName:  f.SupplierName,
		TotalAmount:   f.TotalAmount,
		HasIssueDate:  f.IssueDate != nil,
		RawText:       rawText,
	}
}

type TimeFactors struct {
	TextLength       int     `json:"text_length"`
	HasInvoiceNumber bool    `json:"has_invoice_number"`
	HasSupplier      bool    `json:"has_supplier"`
	HasAmount        bool    `json:"has_amount"`
	ImageQuality     float64 `json:"image_quality"`
}

type TimeEstimate struct {
	PredictedSeconds int         `json:"predicted_time"`
	Confidence       float64     `json:"confidence"`
	Factors          TimeFactors `json:"factors"`
	Recommendation   string      `json:"recommendation"`
	Fallback         bool        `json:"fallback"`
	Reason           string      `json:"reason,omitempty"`
}

type ApprovalEstimate struct {
	Probability    float64  `json:"approval_probability"`
	Confidence     float64  `json:"confidence"`
	Factors        []string `json:"factors"`
	Recommendation string   `json:"recommendation"`
	Fallback       bool     `json:"fallback"`
	Reason         string   `json:"reason,omitempty"`
}

type Predictor struct{}

func New() *Predictor {
	return &Predictor{}
}

func present(s *string) bool {
	return s != nil && *s != ""
}

func (p *Predictor) ProcessingTime(in Input) (est TimeEstimate) {
	defer func() {
		if r := recover(); r != nil {
			est = TimeEstimate{
				PredictedSeconds: fallbackSeconds,
				Confidence:       fallbackConfidence,
				Fallback:         true,
				Reason:           fmt.Sprintf("%s: %v", ReasonPredictorError, r),
			}
		}
	}()

	f := TimeFactors{
		TextLength:       utf8.RuneCountInString(in.RawText),
		HasInvoiceNumber: present(in.InvoiceNumber),
		HasSupplier:      present(in.SupplierName),
		HasAmount:        in.TotalAmount != nil && *in.TotalAmount != 0,
		ImageQuality:     EstimateImageQuality(in.RawText),
	}

	seconds := baseSeconds
	if f.TextLength > longTextRunes {
		seconds += longTextPenalty
	}
	if !f.HasInvoiceNumber {
		seconds += missingNumberPenalty
	}
	if !f.HasSupplier {
		seconds += missingSupplierPenalty
	}
	if f.ImageQuality < lowQualityBelow {
		seconds += lowQualityPenalty
	}

	return TimeEstimate{
		PredictedSeconds: seconds,
		Confidence:       processingConfidence,
		Factors:          f,
		Recommendation:   processingRecommendation(f),
	}
}

func (p *Predictor) ApprovalProbability(in Input) (est ApprovalEstimate) {
	defer func() {
		if r := recover(); r != nil {
			est = ApprovalEstimate{
				Probability: fallbackProbability,
				Confidence:  fallbackConfidence,
				Fallback:    true,
				Reason:      fmt.Sprintf("%s: %v", ReasonPredictorError, r),
			}
		}
	}()

	score := 0.0
	factors := []string{}
	if present(in.InvoiceNumber) {
		score += 0.3
		factors = append(factors, "Có số hóa đơn")
	}
	if present(in.SupplierName) {
		score += 0.2
		factors = append(factors, "Có tên nhà cung cấp")
	}
	if in.TotalAmount != nil && *in.TotalAmount > 0 {
		score += 0.3
		factors = append(factors, "Có số tiền hợp lệ")
	}
	if in.HasIssueDate {
		score += 0.1
		factors = append(factors, "Có ngày phát hành")
	}
	if utf8.RuneCountInString(in.RawText) < shortTextRunes {
		score -= 0.2
		factors = append(factors, "OCR text quá ngắn")
	}
	score = math.Round(clamp01(score)*100) / 100

	return ApprovalEstimate{
		Probability:    score,
		Confidence:     approvalConfidence,
		Factors:        factors,
		Recommendation: approvalRecommendation(score),
	}
}

// EstimateImageQuality infers scan quality from the recognized text, in [0,1].
func EstimateImageQuality(text string) float64 {
	length := utf8.RuneCountInString(text)
	if length == 0 {
		return 0
	}
	q := 1.0
	if length < shortTextRunes {
		q -= 0.3
	}
	if len(strings.Fields(text)) < 20 {
		q -= 0.2
	}
	if parser.SpecialCharRatio(text) > 0.3 {
		q -= 0.3
	}
	return math.Round(clamp01(q)*100) / 100
}

func processingRecommendation(f TimeFactors) string {
	switch {
	case f.ImageQuality < poorQualityBelow:
		return "⚠️ Chất lượng ảnh kém, cần upload lại ảnh rõ nét hơn"
	case !f.HasInvoiceNumber:
		return "📝 Thiếu số hóa đơn, cần kiểm tra thủ công"
	case !f.HasSupplier:
		return "🏢 Thiếu tên nhà cung cấp, cần bổ sung thông tin"
	default:
		return "✅ Hóa đơn có thể xử lý tự động"
	}
}

func approvalRecommendation(p float64) string {
	switch {
	case p >= 0.8:
		return "✅ Có thể phê duyệt tự động"
	case p >= 0.6:
		return "⚠️ Cần kiểm tra nhanh trước khi phê duyệt"
	default:
		return "🔍 Cần kiểm tra kỹ lưỡng trước khi phê duyệt"
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
