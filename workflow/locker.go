package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InvoiceLocker gives one caller at a time exclusive access to an invoice.
// Lock fails fast with ErrRunInProgress when the invoice is already held, and with an
// error wrapping ErrLockUnavailable when the lock backend cannot be reached.
type InvoiceLocker interface {
	Lock(ctx context.Context, invoiceId int) (unlock func(), err error)
}

func invoiceLockKey(invoiceId int) string {
	return fmt.Sprintf("lock:invoice:%d", invoiceId)
}

// RedisInvoiceLocker serializes runs across worker processes. The lock is refreshed
// every RefreshEvery while held, so it outlives runs longer than TTL.
type RedisInvoiceLocker struct {
	Client       *redislock.Client
	TTL          time.Duration
	RefreshEvery time.Duration
	Logger       *logrus.Logger
}

func NewRedisInvoiceLocker(client *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisInvoiceLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisInvoiceLocker{Client: client, TTL: ttl, RefreshEvery: ttl / 3, Logger: logger}
}

func (l *RedisInvoiceLocker) Lock(ctx context.Context, invoiceId int) (func(), error) {
	lock, err := l.Client.Obtain(ctx, invoiceLockKey(invoiceId), l.TTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("%w: obtain redis lock: %v", ErrLockUnavailable, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, invoiceId, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.entry(invoiceId).Warn("release invoice lock: " + err.Error())
			}
		})
	}, nil
}

func (l *RedisInvoiceLocker) keepAlive(lock *redislock.Lock, invoiceId int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.refreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := lock.Refresh(context.Background(), l.TTL, nil)
			if errors.Is(err, redislock.ErrNotObtained) {
				l.entry(invoiceId).Error("invoice lock expired while held")
				return
			}
			if err != nil {
				l.entry(invoiceId).Warn("refresh invoice lock: " + err.Error())
			}
		}
	}
}

// refreshInterval stays below TTL so the key never lapses between refreshes.
func (l *RedisInvoiceLocker) refreshInterval() time.Duration {
	if l.RefreshEvery <= 0 || l.RefreshEvery >= l.TTL {
		return l.TTL / 3
	}
	return l.RefreshEvery
}

func (l *RedisInvoiceLocker) entry(invoiceId int) *logrus.Entry {
	logger := l.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":      "RedisInvoiceLocker",
		"invoice_id": invoiceId,
	})
}

// MySQLInvoiceLocker uses MySQL advisory locks. GET_LOCK is connection-scoped, so each
// held lock pins one pooled connection until unlock, and a crashed process releases it.
type MySQLInvoiceLocker struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewMySQLInvoiceLocker(db *gorm.DB, logger *logrus.Logger) *MySQLInvoiceLocker {
	return &MySQLInvoiceLocker{DB: db, Logger: logger}
}

func (l *MySQLInvoiceLocker) Lock(ctx context.Context, invoiceId int) (func(), error) {
	sqlDB, err := l.DB.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockUnavailable, err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", ErrLockUnavailable, err)
	}
	tx := l.DB.Session(&gorm.Session{NewDB: true, Context: ctx})
	tx.Statement.ConnPool = conn

	name := invoiceLockKey(invoiceId)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 0)", name).Scan(&ok).Error; err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: GET_LOCK: %v", ErrLockUnavailable, err)
	}
	if ok != 1 {
		_ = conn.Close()
		return nil, ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			release := l.DB.Session(&gorm.Session{NewDB: true, Context: context.Background()})
			release.Statement.ConnPool = conn
			var released int
			if err := release.Raw("SELECT RELEASE_LOCK(?)", name).Scan(&released).Error; err != nil && l.Logger != nil {
				l.Logger.WithFields(logrus.Fields{
					"field":      "MySQLInvoiceLocker",
					"invoice_id": invoiceId,
				}).Warn("release invoice lock: " + err.Error())
			}
			_ = conn.Close()
		})
	}, nil
}
