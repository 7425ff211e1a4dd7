package telemetry

import (
	"context"
	"net/http"
	"strings"

	"github.com/ggonzalez94/txflow/internal/httpx"
	"github.com/ggonzalez94/txflow/internal/logging"
)

// LogSink writes telemetry to the structured log.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Track(_ context.Context, evt AnalyticsEvent) error {
	args := make([]any, 0, 2*len(evt.Properties)+2)
	args = append(args, "event", evt.Name)
	for k, v := range evt.Properties {
		args = append(args, k, v)
	}
	s.logger.Info("analytics event", args...)
	return nil
}

func (s *LogSink) Report(_ context.Context, report ErrorReport) error {
	s.logger.Error("error report",
		"session_id", report.SessionID,
		"intent", report.Intent,
		"chain_id", report.ChainID,
		"step_index", report.StepIndex,
		"step_kind", report.StepKind,
		"failure", report.Failure,
		"message", report.Message,
		"context", report.Context,
	)
	return nil
}

// HTTPSink posts events as JSON to a collector: analytics to {base}/events and
// error reports to {base}/errors.
type HTTPSink struct {
	http *httpx.Client
	base string
}

func NewHTTPSink(client *httpx.Client, baseURL string) *HTTPSink {
	return &HTTPSink{http: client, base: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

func (s *HTTPSink) Track(ctx context.Context, evt AnalyticsEvent) error {
	_, err := s.http.DoBodyJSON(ctx, http.MethodPost, s.base+"/events", evt, nil)
	return err
}

func (s *HTTPSink) Report(ctx context.Context, report ErrorReport) error {
	_, err := s.http.DoBodyJSON(ctx, http.MethodPost, s.base+"/errors", report, nil)
	return err
}

// MultiSink fans out to every sink and returns the first error.
type MultiSink []Sink

func (m MultiSink) Track(ctx context.Context, evt AnalyticsEvent) error {
	var first error
	for _, sink := range m {
		if err := sink.Track(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) Report(ctx context.Context, report ErrorReport) error {
	var first error
	for _, sink := range m {
		if err := sink.Report(ctx, report); err != nil && first == nil {
			first = err
		}
	}
	return first
}
