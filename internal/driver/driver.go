package driver

import (
	"time"

	"github.com/FreshRoute/FreshRoute/internal/geo"
)

// Status 司机状态枚举（持久化为字符串）。
type Status string

const (
	StatusOffline    Status = "OFFLINE"     // 离线
	StatusAvailable  Status = "AVAILABLE"   // 空闲可接单
	StatusOnDelivery Status = "ON_DELIVERY" // 配送中
	StatusBreak      Status = "BREAK"       // 休息中
)

// ValidStatus 判断是否为已知的司机状态。
func ValidStatus(s Status) bool {
	switch s {
	case StatusOffline, StatusAvailable, StatusOnDelivery, StatusBreak:
		return true
	}
	return false
}

// Driver 是 drivers 表的 GORM 模型，同时也是注册表的内存记录。
// 不变式：IsAvailable == true 蕴含 Status == AVAILABLE；
// 被分配配送单时原子切换为 ON_DELIVERY / IsAvailable=false。
type Driver struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	Name        string `gorm:"size:64" json:"name"`
	Phone       string `gorm:"size:32" json:"phone"`
	Email       string `gorm:"size:128" json:"email"`
	VehicleType string `gorm:"size:32" json:"vehicleType"`
	PlateNumber string `gorm:"size:32" json:"plateNumber"`

	Status      Status `gorm:"type:varchar(16);index;not null" json:"status"`
	IsAvailable bool   `gorm:"index;not null" json:"isAvailable"`

	// Location 司机最近一次上报的位置；从未上报过则为 nil。
	Location *geo.Coordinate `gorm:"embedded;embeddedPrefix:loc_" json:"currentLocation,omitempty"`

	CompletedDeliveries int `gorm:"not null;default:0" json:"completedDeliveries"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// Clone 返回记录的深拷贝，注册表对外只交出拷贝，避免调用方绕过锁修改内部状态。
func (d *Driver) Clone() *Driver {
	if d == nil {
		return nil
	}
	out := *d
	if d.Location != nil {
		loc := *d.Location
		out.Location = &loc
	}
	return &out
}
