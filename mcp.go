package ronde

import (
	"context"
	"encoding/json"

	"github.com/hazyhaar/ronde/kit"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers all ronde tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerAddSchedule(srv)
	svc.registerListSchedules(srv)
	svc.registerDeactivateSchedule(srv)
	svc.registerForceCheck(srv)
	svc.registerTick(srv)
	svc.registerQuotaStatus(srv)
	svc.registerSuggestions(srv)
	svc.registerInsights(srv)
	svc.registerCacheStats(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (svc *Service) registerAddSchedule(srv *mcp.Server) {
	type slotReq struct {
		DayOfWeek int    `json:"day_of_week"`
		TimeOfDay string `json:"time_of_day"`
	}
	type req struct {
		ChannelID    string    `json:"channel_id"`
		Platform     string    `json:"platform"`
		ScheduleType string    `json:"schedule_type"`
		Timezone     string    `json:"timezone"`
		Priority     int       `json:"priority"`
		Slots        []slotReq `json:"slots"`
	}

	tool := &mcp.Tool{
		Name:        "ronde_add_schedule",
		Description: "Add a polling schedule for a channel",
		InputSchema: inputSchema(map[string]any{
			"channel_id":    map[string]any{"type": "string", "description": "Platform channel ID"},
			"platform":      map[string]any{"type": "string", "description": "Platform name (default youtube)"},
			"schedule_type": map[string]any{"type": "string", "description": "daily, weekly or custom"},
			"timezone":      map[string]any{"type": "string", "description": "IANA timezone of the channel"},
			"priority":      map[string]any{"type": "integer", "description": "1 (lowest) to 5 (highest)"},
			"slots":         map[string]any{"type": "array", "description": "Expected posting slots: {day_of_week, time_of_day}"},
		}, []string{"channel_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		sch := &ChannelSchedule{
			ChannelID:    p.ChannelID,
			Platform:     p.Platform,
			ScheduleType: p.ScheduleType,
			Timezone:     p.Timezone,
			Priority:     p.Priority,
		}
		for _, sl := range p.Slots {
			sch.Slots = append(sch.Slots, TimeSlot{
				DayOfWeek: sl.DayOfWeek,
				TimeOfDay: sl.TimeOfDay,
			})
		}
		if err := svc.AddSchedule(ctx, sch); err != nil {
			return nil, err
		}
		return sch, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerListSchedules(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ronde_list_schedules",
		Description: "List all polling schedules with their slots",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.ListSchedules(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerDeactivateSchedule(srv *mcp.Server) {
	type req struct {
		ScheduleID string `json:"schedule_id"`
	}

	tool := &mcp.Tool{
		Name:        "ronde_deactivate_schedule",
		Description: "Stop polling a channel; history is kept",
		InputSchema: inputSchema(map[string]any{
			"schedule_id": map[string]any{"type": "string", "description": "Schedule ID"},
		}, []string{"schedule_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.DeactivateSchedule(ctx, p.ScheduleID); err != nil {
			return nil, err
		}
		return map[string]any{"deactivated": p.ScheduleID}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerForceCheck(srv *mcp.Server) {
	type req struct {
		ScheduleID string `json:"schedule_id"`
	}

	tool := &mcp.Tool{
		Name:        "ronde_force_check",
		Description: "Check a channel right now, bypassing the score threshold (quota still applies)",
		InputSchema: inputSchema(map[string]any{
			"schedule_id": map[string]any{"type": "string", "description": "Schedule ID"},
		}, []string{"schedule_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		res, err := svc.ForceCheck(ctx, p.ScheduleID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content_found": res.ContentFound,
			"api_calls":     res.APICalls,
		}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerTick(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ronde_tick",
		Description: "Run one full polling cycle: pass, fallback, gap detection, learning",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.Tick(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerQuotaStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ronde_quota_status",
		Description: "Current day's API budget: used, remaining, emergency reserve, lockout",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.QuotaStatus(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerSuggestions(srv *mcp.Server) {
	type req struct {
		ScheduleID string `json:"schedule_id"`
	}

	tool := &mcp.Tool{
		Name:        "ronde_suggestions",
		Description: "Learned schedule adjustment suggestions for a schedule",
		InputSchema: inputSchema(map[string]any{
			"schedule_id": map[string]any{"type": "string", "description": "Schedule ID"},
		}, []string{"schedule_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Suggestions(ctx, p.ScheduleID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerInsights(srv *mcp.Server) {
	type req struct {
		Limit int `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "ronde_insights",
		Description: "Recent missed-content analysis snapshots",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max snapshots (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.Insights(ctx, p.Limit)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (svc *Service) registerCacheStats(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "ronde_cache_stats",
		Description: "Durable cache tier footprint",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.CacheStats(ctx)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
