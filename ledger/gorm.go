package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"dealpay/models"
)

// Gorm is the relational ledger. The *gorm.DB must be opened with
// TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

// Migrate creates or updates the deals and payments tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Deal{}, &models.Payment{})
}

func (l *Gorm) CreateDeal(ctx context.Context, d *models.Deal) error {
	if err := l.db.WithContext(ctx).Create(d).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return dealConflict(d.ID)
		}
		return fmt.Errorf("create deal %s: %w", d.ID, err)
	}
	return nil
}

func (l *Gorm) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	var d models.Deal
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dealNotFound(id)
		}
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	return &d, nil
}

func (l *Gorm) CompareAndSetDeal(ctx context.Context, id string, expected models.DealStatus, d *models.Deal) error {
	d.ID = id
	res := l.db.WithContext(ctx).
		Model(&models.Deal{}).
		Where("id = ? AND status = ?", id, expected).
		Select("*").
		Omit("id", "created_at").
		Updates(d)
	if res.Error != nil {
		return fmt.Errorf("update deal %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var n int64
	if err := l.db.WithContext(ctx).Model(&models.Deal{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("update deal %s: %w", id, err)
	}
	if n == 0 {
		return dealNotFound(id)
	}
	return dealConflict(id)
}

func (l *Gorm) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.Version == 0 {
		p.Version = 1
	}
	if err := l.db.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return paymentConflict(p.ID)
		}
		return fmt.Errorf("create payment %s: %w", p.ID, err)
	}
	return nil
}

func (l *Gorm) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	if err := l.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentNotFound(id)
		}
		return nil, fmt.Errorf("get payment %s: %w", id, err)
	}
	return &p, nil
}

func (l *Gorm) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*models.Payment, error) {
	var p models.Payment
	if err := l.db.WithContext(ctx).Where("idempotency_key = ?", idempotencyKey).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, paymentNotFound(idempotencyKey)
		}
		return nil, fmt.Errorf("get payment by key %s: %w", idempotencyKey, err)
	}
	return &p, nil
}

func (l *Gorm) CompareAndSetPayment(ctx context.Context, id string, expectedVersion int64, p *models.Payment) error {
	p.ID = id
	p.Version = expectedVersion + 1
	res := l.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Select("*").
		Omit("id", "created_at").
		Updates(p)
	if res.Error != nil {
		p.Version = expectedVersion
		return fmt.Errorf("update payment %s: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	p.Version = expectedVersion

	var n int64
	if err := l.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("update payment %s: %w", id, err)
	}
	if n == 0 {
		return paymentNotFound(id)
	}
	return paymentConflict(id)
}

func (l *Gorm) ListPayments(ctx context.Context, dealID string) ([]*models.Payment, error) {
	var ps []*models.Payment
	err := l.db.WithContext(ctx).
		Where("deal_id = ?", dealID).
		Order("created_at asc, attempt asc, id asc").
		Find(&ps).Error
	if err != nil {
		return nil, fmt.Errorf("list payments for deal %s: %w", dealID, err)
	}
	return ps, nil
}

func (l *Gorm) Tx(ctx context.Context, fn func(Ledger) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Gorm{db: tx})
	})
}
