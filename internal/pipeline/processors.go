package pipeline

import (
	"log/slog"

	"github.com/s2flex/s2mitm/internal/s2validate"
)

// Store is the persistence capability the Persist processor depends
// on (C10, implemented by internal/store.SQLiteStore). Defined here so
// pipeline does not import the concrete storage driver.
type Store interface {
	Persist(m *Message) error
}

// LogProcessor writes a structured info log line per message (spec
// §4.4 step 1).
type LogProcessor struct {
	logger *slog.Logger
}

func NewLogProcessor(logger *slog.Logger) *LogProcessor {
	return &LogProcessor{logger: logger}
}

func (p *LogProcessor) Process(m *Message) *Message {
	p.logger.Info("message routed",
		"session_id", m.SessionID,
		"cem_id", m.CEMID,
		"rm_id", m.RMID,
		"origin", m.OriginType,
		"kind", m.Kind,
	)
	return m
}

func (p *LogProcessor) Close() {}

// ParseProcessor resolves S2 messages to a concrete typed value via
// s2validate (spec §4.4 step 2). Non-S2 kinds pass through untouched.
type ParseProcessor struct{}

func NewParseProcessor() *ParseProcessor {
	return &ParseProcessor{}
}

func (p *ParseProcessor) Process(m *Message) *Message {
	if m.Kind != KindS2 {
		return m
	}

	result := s2validate.Validate(m.RawPayload)
	m.ParsedTypeName = result.TypeName
	if len(result.Errors) > 0 {
		m.Parsed = nil
		m.Validation = &Validation{Summary: result.Summary(), Errors: result.Errors}
		return m
	}
	m.Parsed = result.Typed
	return m
}

func (p *ParseProcessor) Close() {}

// PersistProcessor writes one row per Message to the configured Store
// (spec §4.4 step 3). A persist failure is isolated per-message and
// never stops the pipeline or subsequent processors (spec §7).
type PersistProcessor struct {
	store  Store
	logger *slog.Logger
}

func NewPersistProcessor(store Store, logger *slog.Logger) *PersistProcessor {
	return &PersistProcessor{store: store, logger: logger}
}

func (p *PersistProcessor) Process(m *Message) *Message {
	if err := p.store.Persist(m); err != nil {
		p.logger.Error("failed to persist message", "session_id", m.SessionID, "error", err)
	}
	return m
}

func (p *PersistProcessor) Close() {}

// NewStandardChain builds the processor chain in the order spec §4.4
// mandates: log, parse, persist, observer fan-out, session-state.
func NewStandardChain(logger *slog.Logger, store Store, observer *ObserverFanout, sessionState *SessionStateProcessor) []Processor {
	return []Processor{
		NewLogProcessor(logger),
		NewParseProcessor(),
		NewPersistProcessor(store, logger),
		observer,
		sessionState,
	}
}
