package sched

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/ronde/internal/store"
)

// MaxScore caps the final score so one schedule can never starve the rest.
const MaxScore = 5.0

// priorityWeight maps the 1..5 operator priority to a base weight.
// Out-of-range values clamp.
func priorityWeight(priority int) float64 {
	switch {
	case priority <= 1:
		return 0.1
	case priority == 2:
		return 0.25
	case priority == 3:
		return 0.5
	case priority == 4:
		return 0.75
	default:
		return 1.0
	}
}

// Score computes a schedule's dispatch score at now, evaluated in the
// schedule's own timezone.
//
//	score = min(MaxScore, base * (1 + bonus) * multiplier)
//
// base is the priority weight, floored to the lowest weight when the
// schedule has no slot today. bonus rewards proximity to today's nearest
// slot: up to 2.0 right on the slot, decaying to 1.0 at 30 minutes out,
// a flat 0.5 inside two hours, plus the slot's own modifier. multiplier
// comes from learned patterns for the current (day, hour) bucket.
func (s *Scheduler) Score(ctx context.Context, sch *store.ChannelSchedule, now time.Time) float64 {
	local := now.In(scheduleLocation(sch))
	weekday := int(local.Weekday())

	base := priorityWeight(sch.Priority)
	bonus := 0.0
	slotToday := false
	for _, slot := range sch.Slots {
		if slot.DayOfWeek != weekday {
			continue
		}
		mins, ok := minutesToSlot(local, slot.TimeOfDay)
		if !ok {
			continue
		}
		slotToday = true
		cand := 0.0
		switch {
		case mins <= 30:
			cand = 2.0 - mins/30.0
		case mins <= 120:
			cand = 0.5
		}
		cand += slot.PriorityModifier
		if cand > bonus {
			bonus = cand
		}
	}
	if !slotToday {
		base = priorityWeight(1)
	}

	mult := s.learn.Multiplier(ctx, sch.ID, weekday, local.Hour())

	score := base * (1 + bonus) * mult
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// minutesToSlot returns the absolute distance in minutes between local time
// and a "15:04" slot time on the same day.
func minutesToSlot(local time.Time, timeOfDay string) (float64, bool) {
	hs, ms, ok := strings.Cut(timeOfDay, ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	slotMins := h*60 + m
	nowMins := local.Hour()*60 + local.Minute()
	d := float64(nowMins - slotMins)
	if d < 0 {
		d = -d
	}
	return d, true
}

func scheduleLocation(sch *store.ChannelSchedule) *time.Location {
	if sch.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
