package models

import (
	"context"
	"errors"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/invoice_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the persistence surface the pipeline needs.
type Repository interface {
	GetInvoice(ctx context.Context, id int) (*Invoice, error)
	SaveInvoice(ctx context.Context, inv *Invoice) error
	GetOrCreateSupplier(ctx context.Context, name string) (*Supplier, error)
	CreateAuditEvent(ctx context.Context, ev *AuditEvent) error
	ListAuditEvents(ctx context.Context, invoiceId int) ([]AuditEvent, error)
	CreateRecommendation(ctx context.Context, rec *Recommendation) error
	ListRecommendations(ctx context.Context, invoiceId int) ([]Recommendation, error)
	CreateModelTraining(ctx context.Context, mt *ModelTraining) error
	// Transaction runs fn atomically; fn must use the Repository it is given.
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

type GormRepository struct {
	DB *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{DB: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (r *GormRepository) GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	var inv Invoice
	err := r.DB.WithContext(ctx).Preload("Supplier").First(&inv, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (r *GormRepository) SaveInvoice(ctx context.Context, inv *Invoice) error {
	return r.DB.WithContext(ctx).Omit(clause.Associations).Save(inv).Error
}

// GetOrCreateSupplier matches by exact name. A concurrent insert of the same name is
// resolved by re-reading the row that won.
func (r *GormRepository) GetOrCreateSupplier(ctx context.Context, name string) (*Supplier, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("supplier name is required")
	}
	db := r.DB.WithContext(ctx)

	var existing Supplier
	err := db.Where("name = ?", name).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	supplier := Supplier{Name: name}
	if err := db.Create(&supplier).Error; err != nil {
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		if err := db.Where("name = ?", name).First(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	return &supplier, nil
}

func (r *GormRepository) CreateAuditEvent(ctx context.Context, ev *AuditEvent) error {
	return r.DB.WithContext(ctx).Create(ev).Error
}

func (r *GormRepository) ListAuditEvents(ctx context.Context, invoiceId int) ([]AuditEvent, error) {
	var events []AuditEvent
	err := r.DB.WithContext(ctx).Where("invoice_id = ?", invoiceId).Order("id ASC").Find(&events).Error
	return events, err
}

func (r *GormRepository) CreateRecommendation(ctx context.Context, rec *Recommendation) error {
	return r.DB.WithContext(ctx).Create(rec).Error
}

func (r *GormRepository) ListRecommendations(ctx context.Context, invoiceId int) ([]Recommendation, error) {
	var recs []Recommendation
	err := r.DB.WithContext(ctx).Where("invoice_id = ?", invoiceId).Order("id ASC").Find(&recs).Error
	return recs, err
}

func (r *GormRepository) CreateModelTraining(ctx context.Context, mt *ModelTraining) error {
	return r.DB.WithContext(ctx).Create(mt).Error
}

func (r *GormRepository) Transaction(ctx context.Context, fn func(tx Repository) error) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormRepository{DB: tx})
	})
}
