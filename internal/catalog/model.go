package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Staff is a bookable provider. Staff are deactivated, never deleted, so
// historical appointments keep a valid reference.
type Staff struct {
	ID        uuid.UUID
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Service is a purchasable treatment with a fixed duration and price.
type Service struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
	PriceCents      int64
	Active          bool
}

// TimeRange is a daily working window in minutes since local midnight.
type TimeRange struct {
	StartMinute int
	EndMinute   int
}

// WeeklySchedule maps a weekday to the recurring working windows on that day.
type WeeklySchedule map[time.Weekday][]TimeRange

// Exclusion blocks part of a specific date (vacation, one-off closure).
// StartMinute 0 with EndMinute 1440 blocks the whole day.
type Exclusion struct {
	Date        time.Time
	StartMinute int
	EndMinute   int
	Reason      string
}

// WholeDay reports whether the exclusion covers the entire date.
func (e Exclusion) WholeDay() bool {
	return e.StartMinute <= 0 && e.EndMinute >= 24*60
}
