package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/gnss"
	"github.com/star/rtecfix/internal/results"
	"github.com/star/rtecfix/internal/store/sqlite"
)

const (
	// maxBodyBytes caps the size of a correction request.
	maxBodyBytes = 64 << 20

	maxRunsLimit = 500
)

// maxEpochs caps the total epochs across all satellites of one request.
var maxEpochs = 500_000

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func latestRunHandler(store *results.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := store.Latest()
		if run == nil {
			writeError(w, http.StatusNotFound, "no run available")
			return
		}
		writeJSON(w, http.StatusOK, runView(run, false))
	}
}

func latestSatelliteHandler(store *results.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sat, err := gnss.ParseSatID(r.PathValue("sat"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		run := store.Latest()
		if run == nil {
			writeError(w, http.StatusNotFound, "no run available")
			return
		}
		res, ok := run.Results[sat]
		if !ok {
			writeError(w, http.StatusNotFound, "satellite not in latest run")
			return
		}
		writeJSON(w, http.StatusOK, satelliteView(res, true))
	}
}

func runsHandler(logger *slog.Logger, archive RunLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if archive == nil {
			writeError(w, http.StatusNotFound, "run archive not configured")
			return
		}
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 || n > maxRunsLimit {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"error":     "invalid limit",
					"max_limit": maxRunsLimit,
				})
				return
			}
			limit = n
		}
		runs, err := archive.ListRuns(r.Context(), limit)
		if err != nil {
			logger.Error("listing archived runs failed", "error", err)
			writeError(w, http.StatusInternalServerError, "archive unavailable")
			return
		}
		if runs == nil {
			runs = []sqlite.RunSummary{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func correctHandler(logger *slog.Logger, orch *correction.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req correctRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}

		ds, epochs, err := req.toDataset()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if epochs > maxEpochs {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "too many epochs",
				"epochs":     epochs,
				"max_epochs": maxEpochs,
			})
			return
		}

		started := time.Now()
		res := orch.Run(r.Context(), ds)
		run := results.NewRun("api", started, time.Now(), res)

		logger.Debug("correction request served",
			"run_id", run.ID,
			"satellites", len(res),
			"epochs", epochs,
		)
		writeJSON(w, http.StatusOK, runView(run, true))
	}
}
