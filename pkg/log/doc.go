/*
Package log provides structured logging for antnode using zerolog.

It wraps zerolog to give every subsystem (engine, store, driver, batch
service manager) a JSON or console logger with component-scoped child
loggers, initialized once via Init and shared through the global Logger.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("query_id", q.ID.String()).Msg("query started")

Never log record Values or payment signatures; log keys, peer ids, and
counts instead.
*/
package log
