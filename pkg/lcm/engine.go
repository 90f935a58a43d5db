package lcm

import (
	"sync"
	"time"

	"github.com/maestro-lcm/lcm/internal/assembler"
	"github.com/maestro-lcm/lcm/internal/compaction"
	"github.com/maestro-lcm/lcm/internal/convstore"
	"github.com/maestro-lcm/lcm/internal/expauth"
	"github.com/maestro-lcm/lcm/internal/integrity"
	"github.com/maestro-lcm/lcm/internal/lcmconfig"
	"github.com/maestro-lcm/lcm/internal/logx"
	"github.com/maestro-lcm/lcm/internal/metrics"
	"github.com/maestro-lcm/lcm/internal/retrieval"
	"github.com/maestro-lcm/lcm/internal/storage"
	"github.com/maestro-lcm/lcm/internal/summarizer"
	"github.com/maestro-lcm/lcm/internal/tokenest"
)

// Engine is the LCM Facade. Zero value is not usable; build one with New.
type Engine struct {
	cfg        lcmconfig.Config
	summarizer summarizer.Summarizer
	recorder   metrics.Recorder
	estimator  tokenest.Estimator
	log        *logx.Logger

	openOnce sync.Once
	openErr  error

	backend   *storage.Backend
	store     *convstore.Store
	auth      *expauth.Registry
	retriever *retrieval.Engine
	compactor *compaction.Engine
	assembly  *assembler.Engine
	checker   *integrity.Checker

	// lastBudget remembers the most recent non-zero TokenBudget a caller
	// supplied to Assemble or Compact for a conversation, so an
	// autocompact-on-ingest check (spec line 259's "support both paths")
	// has a ceiling to compact against even though Ingest's own contract
	// carries no tokenBudget argument.
	lastBudget sync.Map // sessionID -> int64
}

// New builds an Engine. summ is the Summarizer collaborator (spec §6.2);
// recorder defaults to metrics.Noop{} when nil. The database is not opened
// until the first call that needs it.
func New(cfg lcmconfig.Config, summ summarizer.Summarizer, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Engine{
		cfg:        cfg,
		summarizer: summ,
		recorder:   recorder,
		estimator:  tokenest.CharDiv4{},
		log:        logx.NewLogger("lcm.facade"),
	}
}

// ensureOpen performs the lazy database open and migration (spec §4.9) and
// wires every collaborator over the resulting backend. Safe to call
// concurrently; only the first caller pays the open cost.
func (e *Engine) ensureOpen() error {
	e.openOnce.Do(func() {
		backend, err := storage.Open(e.cfg.DatabasePath)
		if err != nil {
			e.openErr = err
			return
		}
		e.backend = backend
		e.store = convstore.New(backend, e.estimator)
		e.auth = expauth.New(time.Now)
		e.retriever = retrieval.New(e.store, backend, e.auth, e.recorder)
		e.compactor = compaction.New(e.store, e.summarizer, e.recorder, e.cfg)
		e.assembly = assembler.New(e.store, e.estimator, e.cfg)
		e.checker = integrity.New(backend, e.recorder)
	})
	return e.openErr
}

// Dispose closes the storage backend. Safe to call even if the engine was
// never opened.
func (e *Engine) Dispose() error {
	if e.backend == nil {
		return nil
	}
	return e.backend.Close()
}

// GetConversationStore exposes the Conversation Store for host tooling
// (spec §6.1: "hosts MAY call these directly for grep/expand/describe
// features").
func (e *Engine) GetConversationStore() (*convstore.Store, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.store, nil
}

// GetSummaryStore returns the same Conversation Store: summaries are
// context items in the same table as messages, so there is no separate
// summary-only store to expose (spec §3's ContextItem union).
func (e *Engine) GetSummaryStore() (*convstore.Store, error) {
	return e.GetConversationStore()
}

// GetRetrievalEngine exposes the Retrieval Engine for host tooling.
func (e *Engine) GetRetrievalEngine() (*retrieval.Engine, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.retriever, nil
}

// ExpansionAuth exposes the Expansion Auth Registry for host tooling.
func (e *Engine) ExpansionAuth() (*expauth.Registry, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.auth, nil
}

// IntegrityChecker exposes the Integrity Checker for host tooling (check /
// repair, spec §4.8).
func (e *Engine) IntegrityChecker() (*integrity.Checker, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, err
	}
	return e.checker, nil
}

func (e *Engine) rememberBudget(sessionID string, budget int64) {
	if budget > 0 {
		e.lastBudget.Store(sessionID, budget)
	}
}

func (e *Engine) knownBudget(sessionID string) (int64, bool) {
	v, ok := e.lastBudget.Load(sessionID)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}
