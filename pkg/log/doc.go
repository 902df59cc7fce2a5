// Package log provides the daemon's structured logging on top of zerolog:
// a global logger configured once via Init, plus component-scoped child
// loggers for the scheduler, process handler, dispatcher and transport
// listener.
//
// Initializing the Logger:
//
//	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
//
// Console output (JSONOutput: false) is meant for interactive runs;
// JSONOutput: true writes one JSON object per line (to stdout unless
// Config.Output is set) for log aggregation. The daemon takes this choice
// from the log_json config option.
//
// Component and context loggers:
//
//	schedLog := log.WithComponent("scheduler")
//	schedLog.Info().Msg("tick started")
//
//	taskLog := log.WithTask(task.ID)
//	taskLog.Warn().Msg("dependency failed, skipping")
//
//	groupLog := log.WithGroup(task.Group)
//	groupLog.Info().Msg("parallelism cap reached")
//
// WithTask and WithGroup build on the global logger and carry no component
// field; a line that needs both adds the field to a component logger:
// log.WithComponent("dispatcher").With().Int("task_id", id).Logger().
package log
