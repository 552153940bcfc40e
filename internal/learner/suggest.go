package learner

import (
	"context"
	"fmt"
	"sort"
)

// Suggestion kinds.
const (
	SuggestAddSlot    = "add_slot"
	SuggestRemoveSlot = "remove_slot"
)

// Suggestion is one proposed schedule adjustment. Suggestions are advisory:
// nothing applies them automatically.
type Suggestion struct {
	Type       string `json:"type"`
	ScheduleID string `json:"schedule_id"`
	DayOfWeek  int    `json:"day_of_week"`
	Hour       int    `json:"hour"`
	SlotID     string `json:"slot_id,omitempty"` // remove_slot only
	Confidence int    `json:"confidence"`        // 0..100
	Reason     string `json:"reason"`
}

// GenerateSuggestions proposes slot additions for the strongest learned
// buckets not already covered by a slot, and removals for permanent slots
// whose bucket success rate sits under the removal floor.
//
// Add confidence scales with evidence: a bucket at exactly MinDataPoints
// successes reaches 100. Remove confidence is the inverse of the slot's
// effectiveness.
func (l *Learner) GenerateSuggestions(ctx context.Context, scheduleID string) ([]Suggestion, error) {
	patterns, err := l.st.PatternsFor(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("suggestions %s: %w", scheduleID, err)
	}
	slots, err := l.st.SlotsFor(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("suggestions %s: %w", scheduleID, err)
	}

	matchHours := int(l.cfg.SlotMatchWindow.Hours())
	covered := func(dayOfWeek, hour int) bool {
		for _, s := range slots {
			if s.DayOfWeek != dayOfWeek {
				continue
			}
			sh := slotHour(s.TimeOfDay)
			if sh < 0 {
				continue
			}
			d := sh - hour
			if d < 0 {
				d = -d
			}
			if d <= matchHours {
				return true
			}
		}
		return false
	}

	var out []Suggestion

	// Strongest uncovered buckets first.
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].SuccessCount > patterns[j].SuccessCount
	})
	added := 0
	for _, p := range patterns {
		if added >= l.cfg.TopSlots {
			break
		}
		if p.SuccessCount == 0 || covered(p.DayOfWeek, p.Hour) {
			continue
		}
		conf := p.SuccessCount * 100 / l.cfg.MinDataPoints
		if conf > 100 {
			conf = 100
		}
		out = append(out, Suggestion{
			Type:       SuggestAddSlot,
			ScheduleID: scheduleID,
			DayOfWeek:  p.DayOfWeek,
			Hour:       p.Hour,
			Confidence: conf,
			Reason: fmt.Sprintf("content found %d/%d checks at this hour",
				p.SuccessCount, p.TotalCount),
		})
		added++
	}

	// Underperforming permanent slots.
	for _, s := range slots {
		if s.Temporary {
			continue
		}
		h := slotHour(s.TimeOfDay)
		if h < 0 {
			continue
		}
		p, err := l.st.PatternBucket(ctx, scheduleID, s.DayOfWeek, h)
		if err != nil {
			return nil, fmt.Errorf("suggestions %s: %w", scheduleID, err)
		}
		if p == nil || p.TotalCount < l.cfg.MinDataPoints {
			continue
		}
		rate := float64(p.SuccessCount) / float64(p.TotalCount)
		if rate >= l.cfg.RemoveBelow {
			continue
		}
		out = append(out, Suggestion{
			Type:       SuggestRemoveSlot,
			ScheduleID: scheduleID,
			DayOfWeek:  s.DayOfWeek,
			Hour:       h,
			SlotID:     s.ID,
			Confidence: 100 - int(rate*100),
			Reason: fmt.Sprintf("slot found content in only %d of %d checks",
				p.SuccessCount, p.TotalCount),
		})
	}
	return out, nil
}
