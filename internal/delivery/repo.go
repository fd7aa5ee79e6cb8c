package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/middleware"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Upsert(ctx context.Context, d *Delivery) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return r.db.WithContext(ctx).Save(d).Error
}

// LoadAll 读取全部配送单快照（created_at 升序，恢复注册表的插入顺序），
// 仅用于启动时回灌注册表。
func (r *Repo) LoadAll(ctx context.Context) ([]Delivery, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var deliveries []Delivery
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

// SnapshotStore 把 Repo 包装为注册表的 Persister（写库走熔断器）。
type SnapshotStore struct {
	repo    *Repo
	breaker *middleware.CircuitBreaker
}

func NewSnapshotStore(repo *Repo) *SnapshotStore {
	return &SnapshotStore{
		repo:    repo,
		breaker: middleware.NewCircuitBreaker("delivery-snapshot", 5, 30*time.Second),
	}
}

func (s *SnapshotStore) SaveDelivery(ctx context.Context, d *Delivery) error {
	return s.breaker.Call(ctx, func() error {
		return s.repo.Upsert(ctx, d)
	})
}
