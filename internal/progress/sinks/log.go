package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/shelf-price-crawler/internal/progress"
)

// LogSink writes one structured log line per progress event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch. Product events log at debug level so a
// large crawl does not flood the default output.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("category", evt.Category),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		switch evt.Stage {
		case progress.StageProductDone:
			fields = append(fields, zap.String("outcome", string(evt.Outcome)), zap.Duration("dur", evt.Dur))
			s.logger.Debug("product processed", fields...)
			continue
		case progress.StageListingPage:
			fields = append(fields, zap.Int("links", evt.Links))
		default:
			fields = append(fields,
				zap.Int("scraped", evt.Scraped),
				zap.Int("errors", evt.Errors),
				zap.Duration("dur", evt.Dur),
			)
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
