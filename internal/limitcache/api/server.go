// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api implements the public-facing JSON HTTP server for the limit
// service. Input errors map to 4xx; business outcomes (insufficient limit,
// unknown date) are 200 responses with success=false and a fixed message.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"limitcache/internal/limitcache/core"
	"limitcache/internal/limitcache/store"
)

// Server handles the HTTP surface for the limit engine and sync worker.
// syncer may be nil when sync is disabled.
type Server struct {
	engine *core.Engine
	syncer *core.Syncer
	now    func() time.Time
}

// NewServer wires the handlers.
func NewServer(engine *core.Engine, syncer *core.Syncer) *Server {
	return &Server{engine: engine, syncer: syncer, now: time.Now}
}

// RegisterRoutes sets up the routes on the given router.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/consume", s.handleConsume).Methods(http.MethodPost)
	r.HandleFunc("/consume/batch", s.handleConsumeBatch).Methods(http.MethodPost)

	r.HandleFunc("/limits/today", s.handleGetToday).Methods(http.MethodGet)
	r.HandleFunc("/limits/{year:[0-9]+}/{month:[0-9]+}", s.handleGetMonth).Methods(http.MethodGet)
	r.HandleFunc("/limits/{year:[0-9]+}/{month:[0-9]+}/{day:[0-9]+}", s.handleGetDay).Methods(http.MethodGet)

	r.HandleFunc("/cache/warm", s.handleCacheWarm).Methods(http.MethodPost)
	r.HandleFunc("/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	r.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/sync/stats", s.handleSyncStats).Methods(http.MethodGet)

	r.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// ListenAndServe starts the HTTP server on the specified address.
func (s *Server) ListenAndServe(addr string) error {
	r := mux.NewRouter()
	s.RegisterRoutes(r)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	log.WithField("addr", addr).Info("limit API server listening")
	return srv.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, status := s.consumeOne(r, req)
	if status != http.StatusOK {
		writeError(w, status, resp.Message)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// consumeOne validates and executes a single consume. A non-200 status
// means an input error; the message field carries the reason.
func (s *Server) consumeOne(r *http.Request, req ConsumeRequest) (ConsumeResponse, int) {
	if req.Amount <= 0 {
		return ConsumeResponse{Message: "amount must be positive"}, http.StatusBadRequest
	}
	date := store.Date(s.now())
	if req.Date != "" {
		parsed, err := time.Parse(dateLayout, req.Date)
		if err != nil {
			return ConsumeResponse{Message: "invalid date, want YYYY-MM-DD"}, http.StatusBadRequest
		}
		date = store.Date(parsed)
	}
	txID := req.TransactionID
	if txID == "" {
		txID = uuid.NewString()
	}

	resp, err := s.engine.Consume(r.Context(), core.ConsumeRequest{
		Date:          date,
		Amount:        req.Amount,
		TransactionID: txID,
		ForceDirect:   req.ForceDirectDB,
	})
	if err != nil {
		// Only input errors escape the engine.
		return ConsumeResponse{Message: err.Error()}, http.StatusBadRequest
	}
	return toConsumeResponse(resp), http.StatusOK
}

func (s *Server) handleConsumeBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	out := BatchConsumeResponse{TotalRequests: len(req.Transactions)}
	for _, txn := range req.Transactions {
		resp, status := s.consumeOne(r, txn)
		if status == http.StatusOK && resp.Success {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetToday(w http.ResponseWriter, r *http.Request) {
	s.respondLimit(w, r, store.Date(s.now()))
}

func (s *Server) handleGetDay(w http.ResponseWriter, r *http.Request) {
	year, month, ok := yearMonthVars(w, r)
	if !ok {
		return
	}
	day, err := strconv.Atoi(mux.Vars(r)["day"])
	if err != nil || day < 1 || day > 31 {
		writeError(w, http.StatusBadRequest, "invalid day")
		return
	}
	date := store.DateOf(year, month, day)
	if date.Day() != day {
		// Normalization moved the date; the day did not exist in the month.
		writeError(w, http.StatusBadRequest, "invalid date")
		return
	}
	s.respondLimit(w, r, date)
}

func (s *Server) respondLimit(w http.ResponseWriter, r *http.Request, date time.Time) {
	v, err := s.engine.GetLimit(r.Context(), date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "no limit for date")
		return
	}
	writeJSON(w, http.StatusOK, toLimitResponse(v))
}

func (s *Server) handleGetMonth(w http.ResponseWriter, r *http.Request) {
	year, month, ok := yearMonthVars(w, r)
	if !ok {
		return
	}
	mv, err := s.engine.GetMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toMonthlyResponse(mv))
}

func yearMonthVars(w http.ResponseWriter, r *http.Request) (int, time.Month, bool) {
	vars := mux.Vars(r)
	year, err := strconv.Atoi(vars["year"])
	if err != nil || year < 2000 || year > 9999 {
		writeError(w, http.StatusBadRequest, "invalid year")
		return 0, 0, false
	}
	month, err := strconv.Atoi(vars["month"])
	if err != nil || month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "invalid month")
		return 0, 0, false
	}
	return year, time.Month(month), true
}

// yearMonthQuery reads optional ?year=&month= params, defaulting to now.
func (s *Server) yearMonthQuery(w http.ResponseWriter, r *http.Request) (int, time.Month, bool) {
	now := s.now()
	year, month := now.Year(), now.Month()
	if v := r.URL.Query().Get("year"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid year")
			return 0, 0, false
		}
		year = n
	}
	if v := r.URL.Query().Get("month"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 12 {
			writeError(w, http.StatusBadRequest, "invalid month")
			return 0, 0, false
		}
		month = time.Month(n)
	}
	return year, month, true
}

func (s *Server) handleCacheWarm(w http.ResponseWriter, r *http.Request) {
	year, month, ok := s.yearMonthQuery(w, r)
	if !ok {
		return
	}
	count, err := s.engine.WarmMonth(r.Context(), year, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"year": year, "month": int(month), "recordsCached": count,
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ClearCache(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keysCleared": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats(r.Context()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is disabled")
		return
	}
	result := s.syncer.SyncNow(r.Context(), store.SyncManual)
	writeJSON(w, http.StatusOK, SyncResponse{
		Success:       result.Success,
		RecordsSynced: result.RecordsSynced,
		DurationMs:    result.DurationMs,
		Message:       result.Message,
		SyncedAt:      s.now(),
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeJSON(w, http.StatusOK, SyncStatsResponse{Enabled: false})
		return
	}
	st := s.syncer.Stats(r.Context())
	writeJSON(w, http.StatusOK, SyncStatsResponse{
		Enabled:                    st.Enabled,
		IntervalSeconds:            st.IntervalSeconds,
		LastSyncTime:               st.LastSyncTime,
		LastSyncRecordCount:        st.LastSyncRecordCount,
		DirtyKeysCount:             st.DirtyKeysCount,
		ConsecutiveFailures:        st.ConsecutiveFailures,
		TotalSyncsLastHour:         st.TotalSyncsLastHour,
		AvgDurationMs:              st.AvgDurationMs,
		TotalRecordsSyncedLastHour: st.TotalRecordsSyncedLastHour,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	year, month, ok := s.yearMonthQuery(w, r)
	if !ok {
		return
	}
	loadTest := r.URL.Query().Get("loadTest") == "true"

	var count int
	var err error
	if loadTest {
		count, err = s.engine.ResetForLoadTest(r.Context(), year, month)
	} else {
		count, err = s.engine.Reset(r.Context(), year, month)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"year": year, "month": int(month), "recordsReset": count, "loadTest": loadTest,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	healthy := true
	if s.syncer != nil {
		healthy = s.syncer.Healthy()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		CacheEnabled: s.engine.CacheEnabled(),
		SyncHealthy:  healthy,
		Timestamp:    s.now(),
	})
}
