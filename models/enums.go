package models

import (
	"encoding/json"
	"fmt"
)

type InvoiceStatus string

const (
	InvoiceStatusUploaded         InvoiceStatus = "UPLOADED"
	InvoiceStatusOcrProcessing    InvoiceStatus = "OCR_PROCESSING"
	InvoiceStatusOcrProcessed     InvoiceStatus = "OCR_PROCESSED"
	InvoiceStatusPendingReview    InvoiceStatus = "PENDING_REVIEW"
	InvoiceStatusMatched          InvoiceStatus = "MATCHED"
	InvoiceStatusUnmatched        InvoiceStatus = "UNMATCHED"
	InvoiceStatusPendingApproval  InvoiceStatus = "PENDING_APPROVAL"
	InvoiceStatusIntegrationError InvoiceStatus = "INTEGRATION_ERROR"
	InvoiceStatusRejected         InvoiceStatus = "REJECTED"
	InvoiceStatusApproved         InvoiceStatus = "APPROVED"
)

var AllInvoiceStatuses = []InvoiceStatus{
	InvoiceStatusUploaded,
	InvoiceStatusOcrProcessing,
	InvoiceStatusOcrProcessed,
	InvoiceStatusPendingReview,
	InvoiceStatusMatched,
	InvoiceStatusUnmatched,
	InvoiceStatusPendingApproval,
	InvoiceStatusIntegrationError,
	InvoiceStatusRejected,
	InvoiceStatusApproved,
}

// invoiceTransitions lists the allowed next states.
// OCR_PROCESSING is reachable again from processed states for a manual re-run, and from
// OCR_PROCESSING itself so a run interrupted by a crash can be resumed.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusUploaded:         {InvoiceStatusOcrProcessing},
	InvoiceStatusOcrProcessing:    {InvoiceStatusOcrProcessing, InvoiceStatusOcrProcessed, InvoiceStatusRejected, InvoiceStatusIntegrationError},
	InvoiceStatusOcrProcessed:     {InvoiceStatusOcrProcessing, InvoiceStatusPendingReview, InvoiceStatusMatched, InvoiceStatusUnmatched, InvoiceStatusIntegrationError},
	InvoiceStatusPendingReview:    {InvoiceStatusOcrProcessing, InvoiceStatusMatched, InvoiceStatusUnmatched, InvoiceStatusPendingApproval, InvoiceStatusRejected, InvoiceStatusIntegrationError},
	InvoiceStatusMatched:          {InvoiceStatusOcrProcessing, InvoiceStatusPendingReview, InvoiceStatusPendingApproval, InvoiceStatusIntegrationError},
	InvoiceStatusUnmatched:        {InvoiceStatusOcrProcessing, InvoiceStatusPendingReview, InvoiceStatusMatched, InvoiceStatusRejected, InvoiceStatusIntegrationError},
	InvoiceStatusPendingApproval:  {InvoiceStatusApproved, InvoiceStatusRejected, InvoiceStatusPendingReview, InvoiceStatusIntegrationError},
	InvoiceStatusIntegrationError: {InvoiceStatusOcrProcessing},
	InvoiceStatusRejected:         {InvoiceStatusOcrProcessing},
	InvoiceStatusApproved:         {},
}

func (s InvoiceStatus) IsValid() bool {
	_, ok := invoiceTransitions[s]
	return ok
}

// CanTransitionTo reports whether next is an allowed successor of s.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoiceStatusApproved || s == InvoiceStatusRejected
}

func (s *InvoiceStatus) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	v := InvoiceStatus(str)
	if !v.IsValid() {
		return fmt.Errorf("invalid invoice status %q", str)
	}
	*s = v
	return nil
}

type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "LOW"
	RiskLevelMedium RiskLevel = "MEDIUM"
	RiskLevelHigh   RiskLevel = "HIGH"
)

// Label is the Vietnamese display name shown to reviewers.
func (l RiskLevel) Label() string {
	switch l {
	case RiskLevelLow:
		return "THẤP"
	case RiskLevelMedium:
		return "TRUNG BÌNH"
	case RiskLevelHigh:
		return "CAO"
	default:
		return ""
	}
}

type RecommendationType string

const (
	RecommendationTypeApproval    RecommendationType = "approval"
	RecommendationTypeReview      RecommendationType = "review"
	RecommendationTypeReject      RecommendationType = "reject"
	RecommendationTypeManualCheck RecommendationType = "manual_check"
)

// Audit action labels.
const (
	AuditActionOcrStarted        = "OCR_STARTED"
	AuditActionOcrCompleted      = "OCR_COMPLETED"
	AuditActionOcrFailed         = "OCR_FAILED"
	AuditActionSystemError       = "SYSTEM_ERROR"
	AuditActionOcrRerunRequested = "OCR_RERUN_REQUESTED"
	AuditActionInvoiceApproved   = "INVOICE_APPROVED"
	AuditActionInvoiceRejected   = "INVOICE_REJECTED"
	AuditActionInvoiceMatched    = "INVOICE_MATCHED"
	AuditActionInvoiceUnmatched  = "INVOICE_UNMATCHED"
	AuditActionSubmitForApproval = "SUBMITTED_FOR_APPROVAL"
	AuditActionSentToReview      = "SENT_TO_REVIEW"
	AuditActionModelTrained      = "MODEL_TRAINED"
)
