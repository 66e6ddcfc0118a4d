package eventlog

import (
	"fmt"
	"log/slog"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalSink sends entries to journald over its native socket.
type JournalSink struct {
	// Identifier is stored as SYSLOG_IDENTIFIER.
	Identifier string
}

var _ Sink = JournalSink{}

// Write sends a structured entry. Launch failures are logged at warning
// priority, everything else at info.
func (s JournalSink) Write(message string, fields map[string]string) error {
	vars := make(map[string]string, len(fields)+1)
	for k, v := range fields {
		vars[k] = v
	}
	if s.Identifier != "" {
		vars["SYSLOG_IDENTIFIER"] = s.Identifier
	}

	priority := journal.PriInfo
	if fields[FieldEvent] == EventLaunchFailed {
		priority = journal.PriWarning
	}
	if err := journal.Send(message, priority, vars); err != nil {
		return fmt.Errorf("sending journal entry: %w", err)
	}
	return nil
}

func (JournalSink) Close() error {
	return nil
}

// Open returns a JournalSink when journald is reachable and a LogSink
// writing to logger otherwise.
func Open(identifier string, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if journal.Enabled() {
		logger.Debug("eventlog using journald", "identifier", identifier)
		return JournalSink{Identifier: identifier}
	}
	logger.Debug("eventlog using slog, journald not available")
	return LogSink{Logger: logger}
}
