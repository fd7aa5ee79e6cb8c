package driver

import (
	"context"
	"sync"
	"time"

	"github.com/FreshRoute/FreshRoute/internal/common/logger"
	"github.com/FreshRoute/FreshRoute/internal/geo"
	"github.com/google/uuid"
)

// Persister 可选的快照持久化钩子（写穿失败不影响内存状态）。
type Persister interface {
	SaveDriver(ctx context.Context, d *Driver) error
}

// Registry 司机注册表：进程内唯一的 Driver 记录持有者。
// 所有变更操作都在同一把互斥锁下完成，保证“检查-再修改”类复合操作的原子性；
// 遍历顺序 = 插入顺序，保证 FindNearest 等操作的平局裁决稳定。
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Driver
	order   []string
	persist Persister
	log     logger.Logger
}

// NewRegistry 创建司机注册表。persist 可为 nil（纯内存模式）。
func NewRegistry(persist Persister, log logger.Logger) *Registry {
	return &Registry{
		byID:    make(map[string]*Driver),
		persist: persist,
		log:     log,
	}
}

// CreateInput 注册司机的入参（已通过上游校验层）。
type CreateInput struct {
	Name        string
	Phone       string
	Email       string
	VehicleType string
	PlateNumber string
}

// Create 注册新司机：初始 OFFLINE、不可接单、完成数 0。总是成功。
func (r *Registry) Create(in CreateInput) *Driver {
	now := time.Now()
	d := &Driver{
		ID:          uuid.NewString(),
		Name:        in.Name,
		Phone:       in.Phone,
		Email:       in.Email,
		VehicleType: in.VehicleType,
		PlateNumber: in.PlateNumber,
		Status:      StatusOffline,
		IsAvailable: false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.byID[d.ID] = d
	r.order = append(r.order, d.ID)
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return snapshot
}

// Get 按 ID 查询；不存在返回 (nil, false)。
func (r *Registry) Get(id string) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// ListAll 返回全部司机（插入顺序）。
func (r *Registry) ListAll() []*Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Driver, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].Clone())
	}
	return out
}

// ListAvailable 返回可接单司机（IsAvailable && AVAILABLE，插入顺序）。
func (r *Registry) ListAvailable() []*Driver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Driver
	for _, id := range r.order {
		d := r.byID[id]
		if d.IsAvailable && d.Status == StatusAvailable {
			out = append(out, d.Clone())
		}
	}
	return out
}

// UpdateInput 部分更新字段；nil 表示保持原值。ID / CreatedAt 不可变。
type UpdateInput struct {
	Name        *string
	Phone       *string
	Email       *string
	VehicleType *string
	PlateNumber *string
}

// Update 合并部分字段并刷新 UpdatedAt；ID 不存在返回 (nil, false)。
func (r *Registry) Update(id string, in UpdateInput) (*Driver, bool) {
	return r.mutate(id, func(d *Driver) {
		if in.Name != nil {
			d.Name = *in.Name
		}
		if in.Phone != nil {
			d.Phone = *in.Phone
		}
		if in.Email != nil {
			d.Email = *in.Email
		}
		if in.VehicleType != nil {
			d.VehicleType = *in.VehicleType
		}
		if in.PlateNumber != nil {
			d.PlateNumber = *in.PlateNumber
		}
	})
}

// UpdateLocation 更新司机当前位置。
func (r *Registry) UpdateLocation(id string, loc geo.Coordinate) (*Driver, bool) {
	return r.mutate(id, func(d *Driver) {
		l := loc
		if l.Timestamp.IsZero() {
			l.Timestamp = time.Now()
		}
		d.Location = &l
	})
}

// UpdateStatus 更新司机状态。isAvailable 传 nil 时保持原值。
func (r *Registry) UpdateStatus(id string, status Status, isAvailable *bool) (*Driver, bool) {
	return r.mutate(id, func(d *Driver) {
		d.Status = status
		if isAvailable != nil {
			d.IsAvailable = *isAvailable
		}
	})
}

// IncrementCompletedDeliveries 完成数 +1。
func (r *Registry) IncrementCompletedDeliveries(id string) (*Driver, bool) {
	return r.mutate(id, func(d *Driver) {
		d.CompletedDeliveries++
	})
}

// Reserve 以 CAS 语义占用司机：仅当当前可接单时切换为 ON_DELIVERY / 不可接单。
// 两个并发的占用请求只会有一个成功。
func (r *Registry) Reserve(id string) bool {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok || !d.IsAvailable || d.Status != StatusAvailable {
		r.mu.Unlock()
		return false
	}
	d.Status = StatusOnDelivery
	d.IsAvailable = false
	d.UpdatedAt = time.Now()
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return true
}

// Release 配送结束后把司机放回可接单池。
func (r *Registry) Release(id string) (*Driver, bool) {
	return r.mutate(id, func(d *Driver) {
		d.Status = StatusAvailable
		d.IsAvailable = true
	})
}

// FindNearest 在有位置的可接单司机中选择距 target 最近的一个；
// 等距时取先注册者。无候选返回 (nil, false)。
func (r *Registry) FindNearest(target geo.Coordinate) (*Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Driver
	bestDist := 0.0
	for _, id := range r.order {
		d := r.byID[id]
		if !d.IsAvailable || d.Status != StatusAvailable || d.Location == nil {
			continue
		}
		dist := geo.Distance(target, *d.Location)
		if best == nil || dist < bestDist {
			best = d
			bestDist = dist
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Clone(), true
}

// Restore 把持久化快照回灌进注册表（启动恢复路径）。
// 已存在的 ID 跳过；不回写快照存储。
func (r *Registry) Restore(d *Driver) bool {
	if d == nil || d.ID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[d.ID]; ok {
		return false
	}
	clone := d.Clone()
	r.byID[clone.ID] = clone
	r.order = append(r.order, clone.ID)
	return true
}

// Remove 删除司机记录。正常业务不删除司机，仅供测试/运维清理使用。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// mutate 在锁内应用变更并刷新 UpdatedAt，锁外做快照持久化。
func (r *Registry) mutate(id string, fn func(*Driver)) (*Driver, bool) {
	r.mu.Lock()
	d, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	fn(d)
	d.UpdatedAt = time.Now()
	snapshot := d.Clone()
	r.mu.Unlock()

	r.save(snapshot)
	return snapshot, true
}

func (r *Registry) save(d *Driver) {
	if r.persist == nil || d == nil {
		return
	}
	if err := r.persist.SaveDriver(context.Background(), d); err != nil && r.log != nil {
		r.log.WithFields(map[string]interface{}{
			"driver_id": d.ID,
			"error":     err.Error(),
		}).Warn("driver snapshot persist failed")
	}
}
