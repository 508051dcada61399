package workflow

import (
	"strings"

	"github.com/mmdatafocus/invoice_backend/classifier"
	"github.com/mmdatafocus/invoice_backend/fraud"
	"github.com/mmdatafocus/invoice_backend/models"
	"github.com/mmdatafocus/invoice_backend/predictor"
)

const (
	lowClassifierConfidence = 0.6
	lowApprovalProbability  = 0.5

	recommendHighFraud   = "🚨 CẢNH BÁO: Rủi ro fraud cao - cần kiểm tra thủ công"
	recommendUncertain   = "⚠️ Phân loại không chắc chắn - cần xem xét"
	recommendLowApproval = "📋 Khả năng phê duyệt thấp - cần kiểm tra kỹ"
	recommendAutoProcess = "✅ Hóa đơn có thể xử lý tự động"
)

// buildRecommendations returns the reviewer text and, when any threshold is crossed,
// the advisory record to store with it.
func buildRecommendations(invoiceId int, fr fraud.Result, cls classifier.Result, approval predictor.ApprovalEstimate) (string, *models.Recommendation) {
	var lines []string
	if fr.RiskScore >= fraud.AnomalyThreshold {
		lines = append(lines, recommendHighFraud)
	}
	if cls.Confidence < lowClassifierConfidence {
		lines = append(lines, recommendUncertain)
	}
	if approval.Probability < lowApprovalProbability {
		lines = append(lines, recommendLowApproval)
	}
	if len(lines) == 0 {
		return recommendAutoProcess, nil
	}

	text := strings.Join(lines, "\n")
	kind := models.RecommendationTypeReview
	if fr.RiskScore >= fraud.AnomalyThreshold {
		kind = models.RecommendationTypeManualCheck
	}
	return text, &models.Recommendation{
		InvoiceId:          invoiceId,
		RecommendationType: kind,
		Confidence:         1 - fr.RiskScore,
		Reason:             text,
	}
}

var invoiceKeywords = []string{"HÓA ĐƠN", "INVOICE", "GTGT", "BILL", "RECEIPT"}

// looksLikeInvoice checks the text for invoice wording or trusts a confident classifier.
func looksLikeInvoice(text string, cls classifier.Result) bool {
	upper := strings.ToUpper(text)
	for _, k := range invoiceKeywords {
		if strings.Contains(upper, k) {
			return true
		}
	}
	return cls.Confidence > 0.7
}
