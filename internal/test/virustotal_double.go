// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package test

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/strawhub/strawhub/internal/virustotal"
)

// VirusTotalDouble is a test double for the file scanning provider. Its
// behavior for upcoming requests can be reconfigured between job executions
// by mutating its public fields.
type VirusTotalDouble struct {
	// When true, all requests are answered with 429 (Too Many Requests).
	RateLimited bool
	// How many times each analysis reports "queued" before completing.
	QueuedResponseCount int
	// The scan result reported for completed analyses.
	Stats virustotal.Stats
	// When nonzero, file uploads fail with this HTTP status code.
	UploadErrorStatus int
	// When nonzero, analysis queries fail with this HTTP status code.
	AnalysisErrorStatus int

	// Observed traffic, for test assertions.
	UploadCount          int
	AnalysisQueryCounts  map[string]int
	LastUploadedFileName string
	LastUploadedContents []byte
}

// ServeHTTP implements the http.Handler interface.
func (d *VirusTotalDouble) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d.RateLimited {
		respondQuotaExceeded(w)
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/v3/files":
		d.handleUploadFile(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v3/analyses/"):
		d.handleGetAnalysis(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (d *VirusTotalDouble) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if d.UploadErrorStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(d.UploadErrorStatus)
		fmt.Fprintf(w, `{"error":{"code":"BadRequestError","message":"upload rejected"}}`)
		return
	}

	err := r.ParseMultipartForm(1 << 30)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fileHeaders := r.MultipartForm.File["file"]
	if len(fileHeaders) != 1 {
		http.Error(w, "expected exactly one file", http.StatusBadRequest)
		return
	}
	f, err := fileHeaders[0].Open()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	contents, err := io.ReadAll(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	d.UploadCount++
	d.LastUploadedFileName = fileHeaders[0].Filename
	d.LastUploadedContents = contents

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":{"type":"analysis","id":"analysis-%d"}}`, d.UploadCount)
}

func (d *VirusTotalDouble) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	if d.AnalysisErrorStatus != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(d.AnalysisErrorStatus)
		fmt.Fprintf(w, `{"error":{"code":"InternalError","message":"backend unavailable"}}`)
		return
	}

	analysisID := strings.TrimPrefix(r.URL.Path, "/api/v3/analyses/")
	if d.AnalysisQueryCounts == nil {
		d.AnalysisQueryCounts = make(map[string]int)
	}
	d.AnalysisQueryCounts[analysisID]++

	w.Header().Set("Content-Type", "application/json")
	if d.AnalysisQueryCounts[analysisID] <= d.QueuedResponseCount {
		fmt.Fprintf(w, `{"data":{"attributes":{"status":"queued"}}}`)
		return
	}
	fmt.Fprintf(w, `{"data":{"attributes":{"status":"completed","stats":%s},"links":{"item":"https://virustotal.example.org/reports/%s"}}}`,
		ToJSON(d.Stats), analysisID)
}

func respondQuotaExceeded(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	fmt.Fprintf(w, `{"error":{"code":"QuotaExceededError","message":"quota exceeded"}}`)
}
