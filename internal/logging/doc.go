// Package logging writes a run's debug.log: one slog JSON object per line,
// next to the run's state and conflict files.
//
// # Attributes
//
// Each orchestrator layer narrows the logger it was handed:
//
//	logger, err := logging.NewLogger(runDir, logging.LevelInfo)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	stepLog := logger.WithRun(run.ID).WithWave(1).WithStep(3)
//	stepLog.Info("session started", "branch", branch)
//
// writes
//
//	{"time":"...","level":"INFO","msg":"session started","run_id":"...","wave":1,"step":3,"branch":"..."}
//
// # Concurrency
//
// Sessions in a wave log through children of the same Logger. slog's JSON
// handler serializes their writes.
package logging
