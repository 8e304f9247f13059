// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package virustotal

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

type uploadHandler struct {
	// number of 429 responses to return before accepting an upload
	rejectCount   int
	uploadCount   int
	lastFileName  string
	lastAPIKey    string
}

func (h *uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/v3/files" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.lastAPIKey = r.Header.Get("x-apikey")

	h.uploadCount++
	if h.uploadCount <= h.rejectCount {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"message":"Quota exceeded","code":"QuotaExceededError"}}`)
		return
	}

	_, fileHeader, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.lastFileName = fileHeader.Filename
	fmt.Fprintln(w, `{"data":{"type":"analysis","id":"analysis-1"}}`)
}

func clientForTest(t *testing.T, handler http.Handler) (*Client, *[]time.Duration) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	serverURL, err := url.Parse(server.URL)
	if err != nil {
		t.Fatal(err.Error())
	}

	var sleeps []time.Duration
	c := Config{APIKey: "unittest-key", URL: *serverURL}.NewClient().
		OverrideTimeSleep(func(d time.Duration) { sleeps = append(sleeps, d) })
	return c, &sleeps
}

func TestUploadFile(t *testing.T) {
	handler := &uploadHandler{}
	c, sleeps := clientForTest(t, handler)

	analysisID, err := c.UploadFile(t.Context(), []byte("contents"), "demo-1.0.0.tar.gz")
	if err != nil {
		t.Fatal(err.Error())
	}
	if analysisID != "analysis-1" {
		t.Errorf("expected analysis ID %q, got %q", "analysis-1", analysisID)
	}
	if handler.lastFileName != "demo-1.0.0.tar.gz" {
		t.Errorf("expected file name %q, got %q", "demo-1.0.0.tar.gz", handler.lastFileName)
	}
	if handler.lastAPIKey != "unittest-key" {
		t.Errorf("expected API key %q, got %q", "unittest-key", handler.lastAPIKey)
	}
	if len(*sleeps) != 0 {
		t.Errorf("expected no retry delays, got %v", *sleeps)
	}
}

func TestUploadFileRetriesRateLimit(t *testing.T) {
	// two 429 responses are absorbed by the retry loop
	handler := &uploadHandler{rejectCount: 2}
	c, sleeps := clientForTest(t, handler)

	analysisID, err := c.UploadFile(t.Context(), []byte("contents"), "demo-1.0.0.tar.gz")
	if err != nil {
		t.Fatal(err.Error())
	}
	if analysisID != "analysis-1" {
		t.Errorf("expected analysis ID %q, got %q", "analysis-1", analysisID)
	}
	expectedSleeps := []time.Duration{15 * time.Second, 30 * time.Second}
	if len(*sleeps) != len(expectedSleeps) {
		t.Fatalf("expected retry delays %v, got %v", expectedSleeps, *sleeps)
	}
	for idx, expected := range expectedSleeps {
		if (*sleeps)[idx] != expected {
			t.Errorf("expected retry delays %v, got %v", expectedSleeps, *sleeps)
		}
	}
}

func TestUploadFileGivesUpOnPersistentRateLimit(t *testing.T) {
	handler := &uploadHandler{rejectCount: 100}
	c, _ := clientForTest(t, handler)

	_, err := c.UploadFile(t.Context(), []byte("contents"), "demo-1.0.0.tar.gz")
	var rateLimitErr RateLimitError
	if !errors.As(err, &rateLimitErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if handler.uploadCount != 3 {
		t.Errorf("expected 3 upload attempts, got %d", handler.uploadCount)
	}
}

func TestUploadFileRejection(t *testing.T) {
	c, _ := clientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintln(w, `{"error":{"message":"file too large","code":"InvalidArgumentError"}}`)
	}))

	_, err := c.UploadFile(t.Context(), []byte("contents"), "demo-1.0.0.tar.gz")
	var submissionErr SubmissionError
	if !errors.As(err, &submissionErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if submissionErr.Status != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", submissionErr.Status)
	}
	if submissionErr.Message != "file too large" {
		t.Errorf("expected provider message to be extracted, got %q", submissionErr.Message)
	}
}

func TestGetAnalysis(t *testing.T) {
	response := `{"data":{"type":"analysis","id":"analysis-1","attributes":{"status":"queued","stats":{}}}}`
	c, _ := clientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/analyses/analysis-1" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		fmt.Fprintln(w, response)
	}))

	// queued analysis
	analysis, err := c.GetAnalysis(t.Context(), "analysis-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if analysis.Status != QueuedAnalysisStatus {
		t.Errorf("expected status %q, got %q", QueuedAnalysisStatus, analysis.Status)
	}

	// completed analysis with default permalink
	response = `{"data":{"type":"analysis","id":"analysis-1","attributes":{
		"status":"completed",
		"stats":{"malicious":2,"suspicious":1,"undetected":60,"harmless":4,"timeout":1,"failure":0,"type-unsupported":8}
	}}}`
	analysis, err = c.GetAnalysis(t.Context(), "analysis-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if analysis.Status != CompletedAnalysisStatus {
		t.Errorf("expected status %q, got %q", CompletedAnalysisStatus, analysis.Status)
	}
	if positives := analysis.Stats.Positives(); positives != 3 {
		t.Errorf("expected 3 positives, got %d", positives)
	}
	if total := analysis.Stats.Total(); total != 76 {
		t.Errorf("expected total of 76, got %d", total)
	}
	if expected := "https://www.virustotal.com/gui/analysis/analysis-1"; analysis.Permalink != expected {
		t.Errorf("expected default permalink %q, got %q", expected, analysis.Permalink)
	}

	// completed analysis with provider-supplied permalink
	response = `{"data":{"type":"analysis","id":"analysis-1",
		"attributes":{"status":"completed","stats":{"harmless":70}},
		"links":{"item":"https://example.org/files/abc"}}}`
	analysis, err = c.GetAnalysis(t.Context(), "analysis-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if expected := "https://example.org/files/abc"; analysis.Permalink != expected {
		t.Errorf("expected provider permalink %q, got %q", expected, analysis.Permalink)
	}
}

func TestGetAnalysisTreatsRateLimitAsQueued(t *testing.T) {
	c, _ := clientForTest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"message":"Quota exceeded","code":"QuotaExceededError"}}`)
	}))

	analysis, err := c.GetAnalysis(t.Context(), "analysis-1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if analysis.Status != QueuedAnalysisStatus {
		t.Errorf("expected status %q, got %q", QueuedAnalysisStatus, analysis.Status)
	}
}
