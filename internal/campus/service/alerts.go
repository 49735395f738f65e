package service

import (
	"context"
	"log/slog"

	"github.com/BrandonDHaskell/campusgate/server/internal/campus/types"
)

// NotificationSink receives security alerts as they happen. Notify must not
// block for long; it is called on the request path.
type NotificationSink interface {
	Notify(ctx context.Context, alert types.SecurityAlert)
}

// LogSink writes alerts to a logger at Error level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(ctx context.Context, a types.SecurityAlert) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelError, "security alert",
		slog.String("kind", string(a.Kind)),
		slog.String("subject_id", a.SubjectID),
		slog.String("facility_id", a.FacilityID),
		slog.String("scanner_device_id", a.ScannerDeviceID),
		slog.String("detail", a.Detail),
		slog.Time("at", a.At),
	)
}
