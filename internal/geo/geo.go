package geo

import (
	"math"
	"time"
)

// earthRadiusKm 地球平均半径（km），用于大圆距离计算。
const earthRadiusKm = 6371.0

// Coordinate 经纬度坐标（不可变值类型）。
// latitude ∈ [-90, 90]，longitude ∈ [-180, 180]，由上游校验层保证。
type Coordinate struct {
	Latitude  float64   `gorm:"column:latitude" json:"latitude"`
	Longitude float64   `gorm:"column:longitude" json:"longitude"`
	Timestamp time.Time `gorm:"column:located_at" json:"timestamp"`
}

// Distance 计算两点之间的 Haversine 大圆距离（km）。
// 纯函数，无状态；a == b 时返回 0。
func Distance(a, b Coordinate) float64 {
	latA := a.Latitude * math.Pi / 180
	latB := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}
