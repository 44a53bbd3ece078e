package geo

import (
	"math"

	"github.com/langchou/teskeeper/internal/models"
)

// Home 家区域定义（圆心 + 度距离半径）
type Home struct {
	Latitude  float64
	Longitude float64
	Radius    float64
}

// Distance 欧氏度距离
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := lat1 - lat2
	dLon := lon1 - lon2
	return math.Sqrt(dLat*dLat + dLon*dLon)
}

// Classify 位置分类：坐标缺失为 UNKNOWN，半径内为 HOME，否则 OUTSIDE
func (h Home) Classify(lat, lon *float64) models.LocationStatus {
	if lat == nil || lon == nil {
		return models.LocationUnknown
	}
	if Distance(*lat, *lon, h.Latitude, h.Longitude) <= h.Radius {
		return models.LocationHome
	}
	return models.LocationOutside
}

// Contains 坐标是否在家范围内（用于区分车载日程是否为家日程）
func (h Home) Contains(lat, lon float64) bool {
	return Distance(lat, lon, h.Latitude, h.Longitude) <= h.Radius
}
