package health

import "insights-gateway/internal/shared/config"

// Service encapsulates health-related checks.
type Service struct {
	cfg config.Config
}

// NewService constructs a new health service.
func NewService(cfg config.Config) *Service {
	return &Service{cfg: cfg}
}

// Status reports the gateway's health and which backing pieces it was wired
// with. The remote services are not probed here; their failures surface per
// request.
func (s *Service) Status() map[string]any {
	return map[string]any{
		"ok":              true,
		"sessionStore":    s.cfg.SessionStoreType,
		"objectStore":     s.cfg.ObjectStoreType,
		"queryService":    s.cfg.QueryServiceURL,
		"analysisService": s.cfg.AnalysisServiceURL,
	}
}
