// Package logging provides structured JSON logging for foreman.
//
// Loggers wrap log/slog and carry persistent attributes for the project,
// task, and scheduler phase so that every line emitted while a task moves
// through the pipeline can be filtered after the fact:
//
//	logger, err := logging.NewLogger(stateDir, "info")
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//
//	taskLog := logger.WithProject("web").WithTask("fm-12").WithPhase("coding")
//	taskLog.Info("agent started", "pid", pid)
//
// When a directory is given, output goes to foreman.log inside it through a
// RotatingWriter; otherwise logs go to stderr.
package logging
