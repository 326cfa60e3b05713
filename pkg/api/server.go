package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsguild/tribunal/pkg/audit"
	"github.com/opsguild/tribunal/pkg/configgov"
	"github.com/opsguild/tribunal/pkg/dispatch"
	"github.com/opsguild/tribunal/pkg/faults"
	"github.com/opsguild/tribunal/pkg/queue"
	"github.com/opsguild/tribunal/pkg/voting"
)

// DecisionRecorder records RED data points for decision operations. The
// observability provider implements it; a nil recorder disables recording.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, itemType, action string, duration time.Duration, errCode string)
}

// Server routes the decision core's HTTP surface.
type Server struct {
	queue    *queue.Aggregator
	votes    *voting.Engine
	governor *configgov.Governor
	outbox   *dispatch.Outbox
	trail    *audit.Trail
	metrics  DecisionRecorder
	logger   *slog.Logger
}

// NewServer wires the handler set. outbox may be nil when no dispatch worker
// is deployed; its dead-letter routes then answer 404.
func NewServer(q *queue.Aggregator, votes *voting.Engine, governor *configgov.Governor, outbox *dispatch.Outbox, trail *audit.Trail) *Server {
	return &Server{
		queue:    q,
		votes:    votes,
		governor: governor,
		outbox:   outbox,
		trail:    trail,
		logger:   slog.Default().With("component", "api"),
	}
}

// WithMetrics attaches the decision-operation recorder.
func (s *Server) WithMetrics(rec DecisionRecorder) *Server {
	s.metrics = rec
	return s
}

// Routes registers every endpoint on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/queue", s.handleQueueList)
	mux.HandleFunc("GET /api/v1/queue/{type}/{id}", s.handleQueueDetail)
	mux.HandleFunc("POST /api/v1/queue/{type}/{id}/decision", s.handleDecide)

	mux.HandleFunc("GET /api/v1/voting/{type}/{id}", s.handleVotingGet)
	mux.HandleFunc("POST /api/v1/voting/{type}/{id}/votes", s.handleCastVote)
	mux.HandleFunc("GET /api/v1/voting/{type}/{id}/voters", s.handleListVoters)
	mux.HandleFunc("POST /api/v1/voting/{type}/{id}/close", s.handleVotingClose)
	mux.HandleFunc("POST /api/v1/voting/{type}/{id}/reopen", s.handleVotingReopen)
	mux.HandleFunc("POST /api/v1/voting/{type}/{id}/reset", s.handleVotingReset)
	mux.HandleFunc("POST /api/v1/applications/{id}/finalize", s.handleFinalizeApplication)

	mux.HandleFunc("GET /api/v1/config", s.handleConfigList)
	mux.HandleFunc("GET /api/v1/config/{key}", s.handleConfigGet)
	mux.HandleFunc("PUT /api/v1/config/{key}", s.handleConfigUpsert)
	mux.HandleFunc("POST /api/v1/config/{key}/preview", s.handleConfigPreview)
	mux.HandleFunc("POST /api/v1/config/{key}/rollback", s.handleConfigRollback)
	mux.HandleFunc("GET /api/v1/config/{key}/history", s.handleConfigHistory)
	mux.HandleFunc("POST /api/v1/config/changes/{id}/approve", s.handleConfigApprove)

	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)

	mux.HandleFunc("POST /api/v1/dispatch/outcomes", s.handleDispatchOutcome)
	mux.HandleFunc("GET /api/v1/dispatch/deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /api/v1/dispatch/deadletters/{id}/replay", s.handleReplay)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordDecision emits the RED data points for one decision operation,
// successful or not.
func (s *Server) recordDecision(ctx context.Context, itemType, action string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordDecision(ctx, itemType, action, time.Since(start), string(faults.CodeOf(err)))
}
