// Package scheduling computes bookable slots. It is read-only: its output
// is a hint that the booking path revalidates under a lock, because any
// listed slot can be taken by a concurrent caller first.
package scheduling

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/BillyJoe121/zenzspa-project-sub000/internal/appointments"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/catalog"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/clock"
	"github.com/BillyJoe121/zenzspa-project-sub000/internal/observability/metrics"
	"github.com/BillyJoe121/zenzspa-project-sub000/pkg/logging"
)

// Slot is a bookable (staff, start time) candidate. StaffLabel anonymizes
// the provider within a single response; callers must book by StaffID, the
// label is not stable across responses.
type Slot struct {
	StartTime  time.Time `json:"start_time"`
	StaffID    uuid.UUID `json:"staff_id"`
	StaffLabel string    `json:"staff_label"`
}

// Policy carries the scheduling constants.
type Policy struct {
	SlotInterval time.Duration
	Buffer       time.Duration
	MinLeadTime  time.Duration
}

// StaffSource loads staff, schedules and services from the catalog.
type StaffSource interface {
	ListActiveStaff(ctx context.Context) ([]catalog.Staff, error)
	GetStaff(ctx context.Context, id uuid.UUID) (*catalog.Staff, error)
	ScheduleForStaff(ctx context.Context, staffID uuid.UUID) (catalog.WeeklySchedule, error)
	ExclusionsOn(ctx context.Context, staffID uuid.UUID, date time.Time) ([]catalog.Exclusion, error)
	GetServices(ctx context.Context, ids []uuid.UUID) ([]catalog.Service, error)
}

// BusySource lists the occupied windows of a staff member.
type BusySource interface {
	ActiveIntervals(ctx context.Context, staffID uuid.UUID, from, to time.Time) ([]appointments.Interval, error)
}

// Calculator produces candidate slots. It holds no locks and performs no
// writes; staleness is tolerated by design.
type Calculator struct {
	staff   StaffSource
	busy    BusySource
	clk     clock.Clock
	policy  Policy
	loc     *time.Location
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

// NewCalculator constructs a calculator evaluating all times in loc, the
// single configured business timezone.
func NewCalculator(staff StaffSource, busy BusySource, clk clock.Clock, policy Policy, loc *time.Location, m *metrics.BookingMetrics, logger *logging.Logger) *Calculator {
	if staff == nil {
		panic("scheduling: staff source required")
	}
	if busy == nil {
		panic("scheduling: busy source required")
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Calculator{staff: staff, busy: busy, clk: clk, policy: policy, loc: loc, metrics: m, logger: logger}
}

type window struct {
	start time.Time
	end   time.Time
}

// ComputeSlots returns the ordered candidate start times on date for the
// requested services, across all active staff or one member when staffID is
// set. Slots are sorted by start time, then staff insertion order.
func (c *Calculator) ComputeSlots(ctx context.Context, date time.Time, serviceIDs []uuid.UUID, staffID *uuid.UUID) ([]Slot, error) {
	started := time.Now()
	defer func() {
		c.metrics.ObserveSlotLatency(time.Since(started).Seconds())
	}()

	services, err := c.staff.GetServices(ctx, serviceIDs)
	if err != nil {
		return nil, err
	}
	total := catalog.TotalDuration(services)

	var members []catalog.Staff
	if staffID != nil {
		member, err := c.staff.GetStaff(ctx, *staffID)
		if err != nil {
			return nil, err
		}
		members = []catalog.Staff{*member}
	} else {
		members, err = c.staff.ListActiveStaff(ctx)
		if err != nil {
			return nil, err
		}
	}

	type candidate struct {
		slot       Slot
		staffOrder int
	}
	var candidates []candidate

	for order, member := range members {
		open, err := c.openWindows(ctx, member.ID, date)
		if err != nil {
			return nil, err
		}
		if len(open) == 0 {
			continue
		}

		starts, err := c.availableStarts(ctx, member.ID, open, total)
		if err != nil {
			return nil, err
		}
		for _, start := range starts {
			candidates = append(candidates, candidate{
				slot:       Slot{StartTime: start, StaffID: member.ID},
				staffOrder: order,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].slot.StartTime.Equal(candidates[j].slot.StartTime) {
			return candidates[i].slot.StartTime.Before(candidates[j].slot.StartTime)
		}
		return candidates[i].staffOrder < candidates[j].staffOrder
	})

	// Anonymized labels are scoped to this response only: a plain
	// enumeration over the sorted result, never persisted.
	labels := make(map[uuid.UUID]string)
	slots := make([]Slot, 0, len(candidates))
	for _, cand := range candidates {
		label, ok := labels[cand.slot.StaffID]
		if !ok {
			label = fmt.Sprintf("Provider %d", len(labels)+1)
			labels[cand.slot.StaffID] = label
		}
		cand.slot.StaffLabel = label
		slots = append(slots, cand.slot)
	}
	return slots, nil
}

// ValidateWindow re-runs the slot checks for one concrete window: lead
// time, schedule fit and the staff's date exclusions. The appointment
// overlap check stays with the booking path, which runs it under the staff
// lock against current data.
func (c *Calculator) ValidateWindow(ctx context.Context, staffID uuid.UUID, start time.Time, total time.Duration) error {
	if start.Before(c.clk.Now().Add(c.policy.MinLeadTime)) {
		return appointments.ErrSlotConflict
	}

	open, err := c.openWindows(ctx, staffID, start.In(c.loc))
	if err != nil {
		return err
	}
	for _, w := range open {
		if !start.Before(w.start) && !start.Add(total).Add(c.policy.Buffer).After(w.end) {
			return nil
		}
	}
	return appointments.ErrSlotConflict
}

// openWindows resolves the staff member's working windows on date: the
// recurring weekly schedule for that weekday minus date-specific exclusions.
func (c *Calculator) openWindows(ctx context.Context, staffID uuid.UUID, date time.Time) ([]window, error) {
	localDate := date.In(c.loc)
	midnight := time.Date(localDate.Year(), localDate.Month(), localDate.Day(), 0, 0, 0, 0, c.loc)

	schedule, err := c.staff.ScheduleForStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	ranges := schedule[midnight.Weekday()]
	if len(ranges) == 0 {
		return nil, nil
	}

	open := make([]window, 0, len(ranges))
	for _, r := range ranges {
		open = append(open, window{
			start: midnight.Add(time.Duration(r.StartMinute) * time.Minute),
			end:   midnight.Add(time.Duration(r.EndMinute) * time.Minute),
		})
	}

	exclusions, err := c.staff.ExclusionsOn(ctx, staffID, midnight)
	if err != nil {
		return nil, err
	}
	for _, e := range exclusions {
		blocked := window{
			start: midnight.Add(time.Duration(e.StartMinute) * time.Minute),
			end:   midnight.Add(time.Duration(e.EndMinute) * time.Minute),
		}
		open = subtract(open, blocked)
	}
	return open, nil
}

// availableStarts walks each open window in SlotInterval steps and keeps
// the starts that satisfy lead time, fit and the buffered overlap check.
func (c *Calculator) availableStarts(ctx context.Context, staffID uuid.UUID, open []window, total time.Duration) ([]time.Time, error) {
	earliest := c.clk.Now().Add(c.policy.MinLeadTime)

	queryFrom := open[0].start.Add(-c.policy.Buffer)
	queryTo := open[len(open)-1].end.Add(total + c.policy.Buffer)
	busy, err := c.busy.ActiveIntervals(ctx, staffID, queryFrom, queryTo)
	if err != nil {
		return nil, err
	}

	var starts []time.Time
	for _, w := range open {
		for start := w.start; ; start = start.Add(c.policy.SlotInterval) {
			end := start.Add(total)
			if end.Add(c.policy.Buffer).After(w.end) {
				break
			}
			if start.Before(earliest) {
				continue
			}
			if overlapsAny(busy, start.Add(-c.policy.Buffer), end.Add(c.policy.Buffer)) {
				continue
			}
			starts = append(starts, start)
		}
	}
	return starts, nil
}

func overlapsAny(busy []appointments.Interval, start, end time.Time) bool {
	for _, b := range busy {
		if b.Start.Before(end) && b.End.After(start) {
			return true
		}
	}
	return false
}

// subtract removes blocked from every window in open, splitting windows the
// block lands inside of.
func subtract(open []window, blocked window) []window {
	if !blocked.end.After(blocked.start) {
		return open
	}
	out := make([]window, 0, len(open)+1)
	for _, w := range open {
		if !blocked.start.Before(w.end) || !blocked.end.After(w.start) {
			out = append(out, w)
			continue
		}
		if blocked.start.After(w.start) {
			out = append(out, window{start: w.start, end: blocked.start})
		}
		if blocked.end.Before(w.end) {
			out = append(out, window{start: blocked.end, end: w.end})
		}
	}
	return out
}
