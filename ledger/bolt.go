package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"dealpay/models"
)

var (
	dealsBucket        = []byte("deals")
	paymentsBucket     = []byte("payments")
	paymentKeysBucket  = []byte("payment_keys")
	dealPaymentsBucket = []byte("deal_payments")
)

// Bolt is the embedded single-file ledger. Bolt serialises writers, so
// every compare-and-set runs inside one read-write transaction.
type Bolt struct {
	db *bolt.DB
	tx *bolt.Tx
}

// paymentRecord keeps the fields the API encoding hides.
type paymentRecord struct {
	*models.Payment
	ClientActionToken string `json:"clientActionToken,omitempty"`
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{dealsBucket, paymentsBucket, paymentKeysBucket, dealPaymentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (l *Bolt) Close() error {
	if l.tx != nil {
		return errors.New("close called inside a transaction")
	}
	return l.db.Close()
}

func (l *Bolt) view(ctx context.Context, fn func(*bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.tx != nil {
		return fn(l.tx)
	}
	return l.db.View(fn)
}

func (l *Bolt) update(ctx context.Context, fn func(*bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.tx != nil {
		return fn(l.tx)
	}
	return l.db.Update(fn)
}

func (l *Bolt) CreateDeal(ctx context.Context, d *models.Deal) error {
	return l.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(dealsBucket)
		if b.Get([]byte(d.ID)) != nil {
			return dealConflict(d.ID)
		}
		return putJSON(b, d.ID, d)
	})
}

func (l *Bolt) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	var d models.Deal
	err := l.view(ctx, func(tx *bolt.Tx) error {
		v := tx.Bucket(dealsBucket).Get([]byte(id))
		if v == nil {
			return dealNotFound(id)
		}
		return json.Unmarshal(v, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (l *Bolt) CompareAndSetDeal(ctx context.Context, id string, expected models.DealStatus, d *models.Deal) error {
	return l.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(dealsBucket)
		v := b.Get([]byte(id))
		if v == nil {
			return dealNotFound(id)
		}

		var current models.Deal
		if err := json.Unmarshal(v, &current); err != nil {
			return err
		}
		if current.Status != expected {
			return dealConflict(id)
		}

		d.ID = id
		d.CreatedAt = current.CreatedAt
		return putJSON(b, id, d)
	})
}

func (l *Bolt) CreatePayment(ctx context.Context, p *models.Payment) error {
	if p.Version == 0 {
		p.Version = 1
	}
	return l.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(paymentsBucket)
		keys := tx.Bucket(paymentKeysBucket)
		if b.Get([]byte(p.ID)) != nil || keys.Get([]byte(p.IdempotencyKey)) != nil {
			return paymentConflict(p.ID)
		}

		if err := putPayment(b, p); err != nil {
			return err
		}
		if err := keys.Put([]byte(p.IdempotencyKey), []byte(p.ID)); err != nil {
			return err
		}
		return tx.Bucket(dealPaymentsBucket).Put(dealPaymentKey(p), []byte(p.ID))
	})
}

func (l *Bolt) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p *models.Payment
	err := l.view(ctx, func(tx *bolt.Tx) error {
		var err error
		p, err = getPayment(tx.Bucket(paymentsBucket), id)
		return err
	})
	return p, err
}

func (l *Bolt) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*models.Payment, error) {
	var p *models.Payment
	err := l.view(ctx, func(tx *bolt.Tx) error {
		id := tx.Bucket(paymentKeysBucket).Get([]byte(idempotencyKey))
		if id == nil {
			return paymentNotFound(idempotencyKey)
		}
		var err error
		p, err = getPayment(tx.Bucket(paymentsBucket), string(id))
		return err
	})
	return p, err
}

func (l *Bolt) CompareAndSetPayment(ctx context.Context, id string, expectedVersion int64, p *models.Payment) error {
	return l.update(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(paymentsBucket)
		current, err := getPayment(b, id)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return paymentConflict(id)
		}

		p.ID = id
		p.Version = expectedVersion + 1
		p.CreatedAt = current.CreatedAt
		if err := putPayment(b, p); err != nil {
			p.Version = expectedVersion
			return err
		}
		return nil
	})
}

func (l *Bolt) ListPayments(ctx context.Context, dealID string) ([]*models.Payment, error) {
	ps := []*models.Payment{}
	err := l.view(ctx, func(tx *bolt.Tx) error {
		b := tx.Bucket(paymentsBucket)
		prefix := append([]byte(dealID), 0)
		c := tx.Bucket(dealPaymentsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			p, err := getPayment(b, string(v))
			if err != nil {
				return err
			}
			ps = append(ps, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (l *Bolt) Tx(ctx context.Context, fn func(Ledger) error) error {
	if l.tx != nil {
		return fn(l)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return fn(&Bolt{db: l.db, tx: tx})
	})
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func putPayment(b *bolt.Bucket, p *models.Payment) error {
	return putJSON(b, p.ID, paymentRecord{Payment: p, ClientActionToken: p.ClientActionToken})
}

func getPayment(b *bolt.Bucket, id string) (*models.Payment, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, paymentNotFound(id)
	}
	rec := paymentRecord{Payment: &models.Payment{}}
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, err
	}
	rec.Payment.ClientActionToken = rec.ClientActionToken
	return rec.Payment, nil
}

// dealPaymentKey orders a deal's payments by creation time, then attempt.
func dealPaymentKey(p *models.Payment) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%06d\x00%s", p.DealID, p.CreatedAt.UnixNano(), p.Attempt, p.ID))
}
