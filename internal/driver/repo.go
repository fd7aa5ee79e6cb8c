package driver

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

func (r *Repo) Upsert(ctx context.Context, d *Driver) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repo db is nil")
	}
	return r.db.WithContext(ctx).Save(d).Error
}

// LoadAll 读取全部司机快照（created_at 升序，恢复注册表的插入顺序），
// 仅用于启动时回灌注册表。
func (r *Repo) LoadAll(ctx context.Context) ([]Driver, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repo db is nil")
	}
	var drivers []Driver
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&drivers).Error; err != nil {
		return nil, err
	}
	return drivers, nil
}

// SnapshotStore 把 Repo 包装为注册表的 Persister：
// 写库走熔断器，数据库抖动时快照静默丢弃，不影响调度主链路。
type SnapshotStore struct {
	repo    *Repo
	breaker *middleware.CircuitBreaker
}

func NewSnapshotStore(repo *Repo) *SnapshotStore {
	return &SnapshotStore{
		repo:    repo,
		breaker: middleware.NewCircuitBreaker("driver-snapshot", 5, 30*time.Second),
	}
}

func (s *SnapshotStore) SaveDriver(ctx context.Context, d *Driver) error {
	return s.breaker.Call(ctx, func() error {
		return s.repo.Upsert(ctx, d)
	})
}
