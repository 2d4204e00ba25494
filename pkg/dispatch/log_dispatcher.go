package dispatch

import (
	"context"
	"log/slog"

	"github.com/dripflow/dripflow/pkg/models"
)

// LogDispatcher writes the dispatch envelope to the structured log. Default
// transport for development and the fallback channel.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{
		logger: logger.With("module", "log_dispatcher"),
	}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, run *models.Run, action *models.ActionSpec) error {
	envelope := NewEnvelope(run, action)

	d.logger.InfoContext(ctx, "Dispatching action",
		"run_id", envelope.RunID,
		"flow_id", envelope.FlowID,
		"contact_id", envelope.ContactID,
		"kind", envelope.Kind,
		"template_id", envelope.TemplateID)

	return nil
}
