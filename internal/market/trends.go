package market

import (
	"math"
	"math/rand"
	"time"
)

// TrendPoint is one day of the synthetic trend series.
type TrendPoint struct {
	Date  string  `json:"date"`
	Price float64 `json:"price"`
}

// Trends generates a synthetic random-walk price series for demos and
// frontend development. The walk starts near 100 and drifts at most one unit
// per day; it is not derived from stored prices.
func Trends(days int, now time.Time) []TrendPoint {
	if days <= 0 {
		days = 30
	}

	price := 100 + rand.Float64()*10 - 5
	points := make([]TrendPoint, 0, days)
	for i := days - 1; i >= 0; i-- {
		price += rand.Float64()*2 - 1
		points = append(points, TrendPoint{
			Date:  now.AddDate(0, 0, -i).Format("2006-01-02"),
			Price: math.Round(price*100) / 100,
		})
	}
	return points
}
