package httpapi

import (
	"errors"
	"net/http"

	"github.com/zos-ai/zos/internal/insight"
	"github.com/zos-ai/zos/internal/scheduler"
	"github.com/zos-ai/zos/internal/storage"
	"github.com/zos-ai/zos/internal/types"
)

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	since, err := sinceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since: %v", err)
		return
	}
	f := storage.InsightFilter{
		TopicKey:    r.URL.Query().Get("topic"),
		Category:    r.URL.Query().Get("category"),
		Since:       since,
		Offset:      intQuery(r, "offset", 0),
		Limit:       intQuery(r, "limit", 50),
		Quarantined: boolQuery(r, "include_quarantined"),
	}
	ins, err := s.store.ListInsights(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list insights: %v", err)
		return
	}
	s.respondInsights(w, r, ins)
}

func (s *Server) handleInsightSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	ins, err := s.store.SearchInsights(r.Context(), q,
		intQuery(r, "offset", 0), intQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search insights: %v", err)
		return
	}
	s.respondInsights(w, r, ins)
}

// handleInsightsByTopic serves profile-weighted retrieval for one topic,
// exactly what a reflection's fetch_insights node would see.
func (s *Server) handleInsightsByTopic(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	profile, err := insight.ParseProfile(r.URL.Query().Get("profile"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	hits, err := s.retr.Retrieve(r.Context(), key, profile,
		intQuery(r, "limit", 10), boolQuery(r, "include_quarantined"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "retrieve: %v", err)
		return
	}
	out := map[string]any{"topic": key, "profile": string(profile), "insights": hits}
	if boolQuery(r, "readable") {
		names, err := s.displayNamesForRetrieved(r, hits)
		if err == nil && len(names) > 0 {
			out["display_names"] = names
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) respondInsights(w http.ResponseWriter, r *http.Request, ins []*types.Insight) {
	out := map[string]any{"insights": ins, "count": len(ins)}
	if boolQuery(r, "readable") {
		var ids []string
		for _, in := range ins {
			ids = append(ids, in.Participants...)
		}
		if names, err := s.store.DisplayNames(r.Context(), ids); err == nil && len(names) > 0 {
			out["display_names"] = names
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) displayNamesForRetrieved(r *http.Request, hits []insight.Retrieved) (map[string]string, error) {
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.Participants...)
	}
	return s.store.DisplayNames(r.Context(), ids)
}

func (s *Server) handleSalience(w http.ResponseWriter, r *http.Request) {
	balances, err := s.store.TopBalances(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balances: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": balances, "count": len(balances)})
}

func (s *Server) handleSalienceGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.GroupSummaries(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "groups: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleSalienceTopic(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	balance, err := s.store.TopicBalance(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "balance: %v", err)
		return
	}
	entries, err := s.store.ListLedgerEntries(r.Context(), key, intQuery(r, "transaction_limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"topic": key, "balance": balance, "transactions": entries,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	since, err := sinceQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since: %v", err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), storage.RunFilter{
		LayerName: r.URL.Query().Get("layer"),
		Status:    types.RunStatus(r.URL.Query().Get("status")),
		Since:     since,
		Offset:    intQuery(r, "offset", 0),
		Limit:     intQuery(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get run: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.RunStatsSummary(r.Context(), intQuery(r, "days", 7))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run stats: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.Trigger(r.Context(), r.PathValue("layer"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownLayer):
		writeError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "%v", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "trigger: %v", err)
	default:
		writeJSON(w, http.StatusOK, run)
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.sched.Jobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "jobs: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}
