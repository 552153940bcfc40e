package store

// Schedule types.
const (
	ScheduleDaily  = "daily"
	ScheduleWeekly = "weekly"
	ScheduleCustom = "custom"
)

// Outcome result types.
const (
	ResultScheduled = "scheduled"
	ResultFallback  = "fallback"
	ResultEmergency = "emergency"
)

// ChannelSchedule is the polling schedule for one channel.
type ChannelSchedule struct {
	ID           string     `json:"id"`
	ChannelID    string     `json:"channel_id"`
	Platform     string     `json:"platform"`
	ScheduleType string     `json:"schedule_type"`
	Timezone     string     `json:"timezone"`
	Priority     int        `json:"priority"` // 1..5
	Active       bool       `json:"active"`
	StreamStatus string     `json:"stream_status,omitempty"` // last observed: "", "live", "offline", "upcoming"
	CreatedAt    int64      `json:"created_at"`
	UpdatedAt    int64      `json:"updated_at"`
	Slots        []TimeSlot `json:"slots,omitempty"`
}

// TimeSlot is a planned poll window within a schedule.
type TimeSlot struct {
	ID               string  `json:"id"`
	ScheduleID       string  `json:"schedule_id"`
	DayOfWeek        int     `json:"day_of_week"` // 0 = Sunday, matching time.Weekday
	TimeOfDay        string  `json:"time_of_day"` // "15:04"
	PriorityModifier float64 `json:"priority_modifier"`
	Temporary        bool    `json:"temporary"`
	RevertAt         *int64  `json:"revert_at,omitempty"` // temporary slots only
	CreatedAt        int64   `json:"created_at"`
}

// OutcomeRecord is one completed check. Append-only: the sole input to
// learning and effectiveness metrics.
type OutcomeRecord struct {
	ID             string  `json:"id"`
	ScheduleID     *string `json:"schedule_id,omitempty"` // nil for ad-hoc probes
	ChannelID      string  `json:"channel_id"`
	CheckTime      int64   `json:"check_time"`
	ContentFound   bool    `json:"content_found"`
	APICallsMade   int     `json:"api_calls_made"`
	ResultType     string  `json:"result_type"`
	ResponseTimeMs int64   `json:"response_time_ms"`
}

// QuotaUsage is the per-(schedule, calendar day) usage row.
type QuotaUsage struct {
	ScheduleID      string  `json:"schedule_id"`
	Day             string  `json:"day"` // "2006-01-02"
	APICallsUsed    int     `json:"api_calls_used"`
	VideosFound     int     `json:"videos_found"`
	EfficiencyScore float64 `json:"efficiency_score"`
}

// QuotaDay is the ledger's persisted daily counters.
type QuotaDay struct {
	Day           string `json:"day"`
	Used          int    `json:"used"`
	EmergencyUsed int    `json:"emergency_used"`
	Locked        bool   `json:"locked"`
}

// LearnedPattern is one (day-of-week, hour) success bucket for a schedule.
// Derived, fully recomputable from outcome records; the learner replaces
// the whole set on every recomputation.
type LearnedPattern struct {
	ScheduleID        string  `json:"schedule_id"`
	DayOfWeek         int     `json:"day_of_week"`
	Hour              int     `json:"hour"`
	SuccessCount      int     `json:"success_count"`
	TotalCount        int     `json:"total_count"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// CacheRow is a durable-tier cache entry.
type CacheRow struct {
	Key         string `json:"key"`
	Payload     []byte `json:"payload"` // envelope JSON
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

// Insight is a stored analysis snapshot for operator visibility.
type Insight struct {
	ID          string `json:"id"`
	Day         string `json:"day"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"`
}

// ChannelActivity summarises recent outcomes for one channel.
type ChannelActivity struct {
	ChannelID    string `json:"channel_id"`
	Checks       int    `json:"checks"`
	Successes    int    `json:"successes"`
	LastCheck    int64  `json:"last_check"` // unix ms, 0 when never checked
	LastFound    int64  `json:"last_found"` // unix ms, 0 when never found
	TotalAPICost int    `json:"total_api_cost"`
}

// SuccessRatio returns successes/checks, 0 when no checks exist.
func (a ChannelActivity) SuccessRatio() float64 {
	if a.Checks == 0 {
		return 0
	}
	return float64(a.Successes) / float64(a.Checks)
}
