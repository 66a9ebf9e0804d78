package orchestrator

import "log/slog"

// IngesterFactory creates an ingester from its configuration parameters.
// Factories validate params and apply defaults; they do not start
// listening. Run does that.
type IngesterFactory func(name string, params map[string]string, logger *slog.Logger) (Ingester, error)

// OutputFactory creates an output from its configuration parameters.
// Outputs may dial their destination here; a factory error aborts startup.
type OutputFactory func(name string, params map[string]string, logger *slog.Logger) (Output, error)
