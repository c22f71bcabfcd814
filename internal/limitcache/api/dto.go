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

package api

import (
	"time"

	"limitcache/internal/limitcache/core"
)

const dateLayout = "2006-01-02"

// ConsumeRequest is the POST /consume body. Date defaults to today;
// transactionId is generated when absent and echoed back.
type ConsumeRequest struct {
	Date          string `json:"date,omitempty"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transactionId,omitempty"`
	ForceDirectDB bool   `json:"forceDirectDb,omitempty"`
}

// ConsumeResponse mirrors core.ConsumeResponse on the wire.
type ConsumeResponse struct {
	Success        bool   `json:"success"`
	TransactionID  string `json:"transactionId"`
	Date           string `json:"date"`
	AmountConsumed int64  `json:"amountConsumed"`
	RemainingLimit int64  `json:"remainingLimit"`
	Source         string `json:"source"`
	LatencyMs      int64  `json:"latencyMs"`
	Message        string `json:"message"`
}

func toConsumeResponse(r core.ConsumeResponse) ConsumeResponse {
	return ConsumeResponse{
		Success:        r.Success,
		TransactionID:  r.TransactionID,
		Date:           r.Date.Format(dateLayout),
		AmountConsumed: r.AmountConsumed,
		RemainingLimit: r.RemainingLimit,
		Source:         r.Source,
		LatencyMs:      r.LatencyMs,
		Message:        r.Message,
	}
}

// BatchConsumeRequest is the POST /consume/batch body.
type BatchConsumeRequest struct {
	Transactions []ConsumeRequest `json:"transactions"`
}

// BatchConsumeResponse summarizes a batch run.
type BatchConsumeResponse struct {
	TotalRequests int `json:"totalRequests"`
	SuccessCount  int `json:"successCount"`
	FailedCount   int `json:"failedCount"`
}

// LimitResponse is the read-model for one date.
type LimitResponse struct {
	Date               string  `json:"date"`
	InitialLimit       int64   `json:"initialLimit"`
	Remaining          int64   `json:"remaining"`
	Consumed           int64   `json:"consumed"`
	TransactionCount   int64   `json:"transactionCount"`
	UtilizationPercent float64 `json:"utilizationPercent"`
	Source             string  `json:"source"`
}

func toLimitResponse(v *core.LimitView) LimitResponse {
	return LimitResponse{
		Date:               v.Date.Format(dateLayout),
		InitialLimit:       v.InitialLimit,
		Remaining:          v.Remaining,
		Consumed:           v.Consumed,
		TransactionCount:   v.TransactionCount,
		UtilizationPercent: v.UtilizationPercent,
		Source:             v.Source,
	}
}

// MonthlyLimitsResponse aggregates a month.
type MonthlyLimitsResponse struct {
	Year                  int             `json:"year"`
	Month                 int             `json:"month"`
	Limits                []LimitResponse `json:"limits"`
	TotalInitialLimit     int64           `json:"totalInitialLimit"`
	TotalRemaining        int64           `json:"totalRemaining"`
	TotalConsumed         int64           `json:"totalConsumed"`
	AvgUtilizationPercent float64         `json:"avgUtilizationPercent"`
}

func toMonthlyResponse(mv *core.MonthView) MonthlyLimitsResponse {
	out := MonthlyLimitsResponse{
		Year:                  mv.Year,
		Month:                 mv.Month,
		Limits:                make([]LimitResponse, 0, len(mv.Limits)),
		TotalInitialLimit:     mv.TotalInitialLimit,
		TotalRemaining:        mv.TotalRemaining,
		TotalConsumed:         mv.TotalConsumed,
		AvgUtilizationPercent: mv.AvgUtilizationPercent,
	}
	for i := range mv.Limits {
		out.Limits = append(out.Limits, toLimitResponse(&mv.Limits[i]))
	}
	return out
}

// SyncResponse is the POST /sync reply.
type SyncResponse struct {
	Success       bool      `json:"success"`
	RecordsSynced int       `json:"recordsSynced"`
	DurationMs    int64     `json:"durationMs"`
	Message       string    `json:"message"`
	SyncedAt      time.Time `json:"syncedAt"`
}

// SyncStatsResponse is the GET /sync/stats reply.
type SyncStatsResponse struct {
	Enabled                    bool       `json:"enabled"`
	IntervalSeconds            int        `json:"intervalSeconds"`
	LastSyncTime               *time.Time `json:"lastSyncTime,omitempty"`
	LastSyncRecordCount        int        `json:"lastSyncRecordCount"`
	DirtyKeysCount             int        `json:"dirtyKeysCount"`
	ConsecutiveFailures        int        `json:"consecutiveFailures"`
	TotalSyncsLastHour         int64      `json:"totalSyncsLastHour"`
	AvgDurationMs              float64    `json:"avgDurationMs"`
	TotalRecordsSyncedLastHour int64      `json:"totalRecordsSyncedLastHour"`
}

// StatusResponse is the GET /status reply.
type StatusResponse struct {
	CacheEnabled bool      `json:"cacheEnabled"`
	SyncHealthy  bool      `json:"syncHealthy"`
	Timestamp    time.Time `json:"timestamp"`
}

// errorBody is the 4xx reply shape.
type errorBody struct {
	Error string `json:"error"`
}
