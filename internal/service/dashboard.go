package service

import (
	"context"

	"github.com/GoPolymarket/mmengine/internal/model"
)

const dashboardErrors = 20

// Dashboard is the console's landing summary.
type Dashboard struct {
	Running      int                   `json:"running"`
	Error        int                   `json:"error"`
	Stopped      int                   `json:"stopped"`
	RecentErrors []model.StrategyEvent `json:"recent_errors"`
}

// Dashboard counts the strategies role can see by persisted status and
// attaches their latest error events.
func (s *Scheduler) Dashboard(ctx context.Context, role *model.Role) (*Dashboard, error) {
	all, err := s.registry.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := &Dashboard{RecentErrors: []model.StrategyEvent{}}
	visible := make(map[string]bool, len(all))
	for _, cfg := range all {
		if role != nil && !role.CanSeeStrategy(cfg) {
			continue
		}
		visible[cfg.ID] = true
		switch cfg.Status {
		case model.StatusRunning:
			out.Running++
		case model.StatusError:
			out.Error++
		default:
			out.Stopped++
		}
	}
	// 已删除或不可见的策略不展示
	for _, ev := range s.opts.Events.RecentErrors(0) {
		if !visible[ev.StrategyID] {
			continue
		}
		out.RecentErrors = append(out.RecentErrors, ev)
		if len(out.RecentErrors) == dashboardErrors {
			break
		}
	}
	return out, nil
}
