package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Invoice struct {
	ID               int           `gorm:"primary_key" json:"id"`
	File             string        `gorm:"size:500;not null" json:"file"`
	OriginalFilename string        `gorm:"size:255" json:"original_filename"`
	Status           InvoiceStatus `gorm:"size:32;not null;default:'UPLOADED';index" json:"status"`

	InvoiceNumber *string             `gorm:"size:100;index" json:"invoice_number"`
	SupplierId    *int                `gorm:"index" json:"supplier_id"`
	Supplier      *Supplier           `json:"supplier,omitempty"`
	TotalAmount   decimal.NullDecimal `gorm:"type:decimal(15,2)" json:"total_amount"`
	TaxAmount     decimal.NullDecimal `gorm:"type:decimal(15,2)" json:"tax_amount"`
	IssueDate     *time.Time          `gorm:"type:date" json:"issue_date"`
	DueDate       *time.Time          `gorm:"type:date" json:"due_date"`

	RawOcrText      string     `gorm:"type:longtext" json:"raw_ocr_text"`
	OcrEngine       string     `gorm:"size:32" json:"ocr_engine"`
	OcrStartTime    *time.Time `json:"ocr_start_time"`
	OcrEndTime      *time.Time `json:"ocr_end_time"`
	ProcessAttempts int        `gorm:"not null;default:0" json:"process_attempts"`
	LastError       *string    `gorm:"type:text" json:"last_error"`
	MatchScore      *float64   `json:"match_score"`
	IsInvoice       bool       `gorm:"not null;default:false" json:"is_invoice"`

	AiCategory        string            `gorm:"size:100" json:"ai_category"`
	AiConfidence      *float64          `json:"ai_confidence"`
	FraudRiskScore    *float64          `json:"fraud_risk_score"`
	FraudRiskLevel    *RiskLevel        `gorm:"size:16" json:"fraud_risk_level"`
	AiExtractedData   datatypes.JSONMap `json:"ai_extracted_data"`
	AiProcessingTime  *int              `gorm:"comment:analysis time in ms" json:"ai_processing_time"`
	AiRecommendations string            `gorm:"type:text" json:"ai_recommendations"`

	UploadedBy *int      `gorm:"index" json:"uploaded_by"`
	UploadedAt time.Time `gorm:"autoCreateTime" json:"uploaded_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasKeyFields reports whether the fields required for OCR_PROCESSED are present.
func (inv *Invoice) HasKeyFields() bool {
	return inv.InvoiceNumber != nil && *inv.InvoiceNumber != "" && inv.TotalAmount.Valid
}

// ResetExtraction clears every field a pipeline run writes, so a re-run never keeps stale values.
func (inv *Invoice) ResetExtraction() {
	inv.InvoiceNumber = nil
	inv.SupplierId = nil
	inv.Supplier = nil
	inv.TotalAmount = decimal.NullDecimal{}
	inv.TaxAmount = decimal.NullDecimal{}
	inv.IssueDate = nil
	inv.DueDate = nil
	inv.RawOcrText = ""
	inv.OcrEngine = ""
	inv.LastError = nil
	inv.IsInvoice = false
	inv.AiCategory = ""
	inv.AiConfidence = nil
	inv.FraudRiskScore = nil
	inv.FraudRiskLevel = nil
	inv.AiExtractedData = nil
	inv.AiProcessingTime = nil
	inv.AiRecommendations = ""
}

// AuditEvent is append-only.
type AuditEvent struct {
	ID        int               `gorm:"primary_key" json:"id"`
	ActorId   *int              `gorm:"index" json:"actor_id"`
	InvoiceId *int              `gorm:"index" json:"invoice_id"`
	Action    string            `gorm:"size:50;not null;index" json:"action"`
	Details   datatypes.JSONMap `json:"details"`
	Timestamp time.Time         `gorm:"autoCreateTime;index" json:"timestamp"`
}

type Recommendation struct {
	ID                 int                `gorm:"primary_key" json:"id"`
	InvoiceId          int                `gorm:"not null;index" json:"invoice_id"`
	RecommendationType RecommendationType `gorm:"size:20;not null" json:"recommendation_type"`
	Confidence         float64            `gorm:"not null" json:"confidence"`
	Reason             string             `gorm:"type:text" json:"reason"`
	IsApplied          bool               `gorm:"not null;default:false" json:"is_applied"`
	CreatedAt          time.Time          `gorm:"autoCreateTime" json:"created_at"`
}

// ModelTraining records one successful classifier training.
type ModelTraining struct {
	ID               int       `gorm:"primary_key" json:"id"`
	ModelName        string    `gorm:"size:100;not null" json:"model_name"`
	ModelType        string    `gorm:"size:50;not null" json:"model_type"`
	TrainingDataSize int       `gorm:"not null" json:"training_data_size"`
	Accuracy         *float64  `json:"accuracy"`
	ModelPath        string    `gorm:"size:500" json:"model_path"`
	IsActive         bool      `gorm:"not null;default:true" json:"is_active"`
	TrainedAt        time.Time `gorm:"autoCreateTime" json:"trained_at"`
}
