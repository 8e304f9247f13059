// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

// Package virustotal contains a client for the file scanning part of the
// VirusTotal v3 API.
package virustotal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"time"
)

// Config contains the connection parameters for the VirusTotal API.
type Config struct {
	APIKey string
	URL    url.URL
}

// Client wraps the parts of the VirusTotal v3 API that the scan jobs use.
type Client struct {
	cfg Config

	// non-pure functions that can be replaced by deterministic doubles for unit tests
	timeSleep func(time.Duration)
}

// NewClient creates a Client for this Config.
func (cfg Config) NewClient() *Client {
	return &Client{cfg, time.Sleep}
}

// OverrideTimeSleep replaces time.Sleep with a test double.
func (c *Client) OverrideTimeSleep(timeSleep func(time.Duration)) *Client {
	c.timeSleep = timeSleep
	return c
}

// RateLimitError is returned by UploadFile when the provider reports quota
// exhaustion even after the internal retries.
type RateLimitError struct{}

// Error implements the builtin/error interface.
func (RateLimitError) Error() string {
	return "rate limit exceeded on file upload"
}

// SubmissionError is returned by UploadFile when the provider rejects a file
// upload for any reason other than rate limiting.
type SubmissionError struct {
	Status  int
	Message string
}

// Error implements the builtin/error interface.
func (e SubmissionError) Error() string {
	return fmt.Sprintf("file upload rejected with status %d: %s", e.Status, e.Message)
}

const (
	uploadMaxAttempts = 3
	uploadRetryDelay  = 15 * time.Second
)

// UploadFile submits file contents for analysis and returns the analysis ID
// under which the verdict can be retrieved with GetAnalysis(). HTTP 429
// responses are retried internally with a fixed escalating delay before
// giving up with a RateLimitError.
func (c *Client) UploadFile(ctx context.Context, contents []byte, fileName string) (analysisID string, err error) {
	for attempt := range uploadMaxAttempts {
		analysisID, err = c.tryUploadFile(ctx, contents, fileName)
		if !isRateLimited(err) {
			if statusErr, ok := err.(httpStatusError); ok {
				return "", SubmissionError{Status: statusErr.Status, Message: statusErr.Message}
			}
			return analysisID, err
		}
		if attempt < uploadMaxAttempts-1 {
			c.timeSleep(uploadRetryDelay << attempt)
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
	}
	return "", RateLimitError{}
}

func (c *Client) tryUploadFile(ctx context.Context, contents []byte, fileName string) (string, error) {
	var reqBody bytes.Buffer
	writer := multipart.NewWriter(&reqBody)
	part, err := writer.CreateFormFile("file", fileName)
	if err == nil {
		_, err = part.Write(contents)
	}
	if err == nil {
		err = writer.Close()
	}
	if err != nil {
		return "", fmt.Errorf("cannot encode upload request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL("api", "v3", "files"), &reqBody)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var respData struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err = c.doRequest(req, &respData)
	if err != nil {
		return "", err
	}
	return respData.Data.ID, nil
}

// AnalysisStatus appears in type Analysis.
type AnalysisStatus string

const (
	// QueuedAnalysisStatus means that the provider has not finished the
	// analysis yet and the caller shall ask again later.
	QueuedAnalysisStatus AnalysisStatus = "queued"
	// CompletedAnalysisStatus means that Stats carries the final verdict.
	CompletedAnalysisStatus AnalysisStatus = "completed"
)

// Stats contains the per-category engine counts of a completed analysis.
type Stats struct {
	Malicious       int `json:"malicious"`
	Suspicious      int `json:"suspicious"`
	Undetected      int `json:"undetected"`
	Harmless        int `json:"harmless"`
	Timeout         int `json:"timeout"`
	Failure         int `json:"failure"`
	TypeUnsupported int `json:"type-unsupported"`
}

// Positives counts the engines that consider the file malicious.
func (s Stats) Positives() int {
	return s.Malicious + s.Suspicious
}

// Total counts all engines that reported anything.
func (s Stats) Total() int {
	return s.Malicious + s.Suspicious + s.Undetected + s.Harmless + s.Timeout + s.Failure + s.TypeUnsupported
}

// Analysis is the result of GetAnalysis.
type Analysis struct {
	Status    AnalysisStatus
	Stats     Stats
	Permalink string
}

// GetAnalysis retrieves the result of a file analysis. A rate-limited
// response is reported as a still-queued analysis rather than an error, since
// the correct reaction for the caller is the same as for a pending analysis:
// ask again later.
func (c *Client) GetAnalysis(ctx context.Context, analysisID string) (Analysis, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL("api", "v3", "analyses", analysisID), http.NoBody)
	if err != nil {
		return Analysis{}, err
	}

	var respData struct {
		Data struct {
			Attributes struct {
				Status string `json:"status"`
				Stats  Stats  `json:"stats"`
			} `json:"attributes"`
			Links struct {
				Item string `json:"item"`
			} `json:"links"`
		} `json:"data"`
	}
	err = c.doRequest(req, &respData)
	if isRateLimited(err) {
		return Analysis{Status: QueuedAnalysisStatus}, nil
	}
	if err != nil {
		return Analysis{}, err
	}

	result := Analysis{
		Status:    QueuedAnalysisStatus,
		Stats:     respData.Data.Attributes.Stats,
		Permalink: respData.Data.Links.Item,
	}
	if respData.Data.Attributes.Status == "completed" {
		result.Status = CompletedAnalysisStatus
	}
	if result.Permalink == "" {
		result.Permalink = "https://www.virustotal.com/gui/analysis/" + analysisID
	}
	return result, nil
}

func (c *Client) requestURL(pathElements ...string) string {
	requestURL := c.cfg.URL
	requestURL.Path = path.Join(requestURL.Path, path.Join(pathElements...))
	return requestURL.String()
}

// httpStatusError is an internal representation for non-2xx responses. The
// exported error types are derived from it at the call sites that know which
// operation failed.
type httpStatusError struct {
	Status  int
	Message string
}

// Error implements the builtin/error interface.
func (e httpStatusError) Error() string {
	return fmt.Sprintf("got %d response: %s", e.Status, e.Message)
}

func isRateLimited(err error) bool {
	statusErr, ok := err.(httpStatusError)
	return ok && statusErr.Status == http.StatusTooManyRequests
}

func (c *Client) doRequest(req *http.Request, respBody any) error {
	req.Header.Set("x-apikey", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", req.Method, req.URL.String(), err)
	}
	respBodyBytes, err := io.ReadAll(resp.Body)
	if err == nil {
		err = resp.Body.Close()
	} else {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("cannot %s %s: %w", req.Method, req.URL.String(), err)
	}

	if resp.StatusCode >= 300 {
		return httpStatusError{Status: resp.StatusCode, Message: parseErrorMessage(respBodyBytes)}
	}

	err = json.Unmarshal(respBodyBytes, respBody)
	if err != nil {
		return fmt.Errorf("cannot %s %s: cannot decode response body: %w", req.Method, req.URL.String(), err)
	}
	return nil
}

// parseErrorMessage extracts the human-readable message from an API error
// response, falling back to the raw response body.
func parseErrorMessage(respBodyBytes []byte) string {
	var errData struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	err := json.Unmarshal(respBodyBytes, &errData)
	if err == nil && errData.Error.Message != "" {
		return errData.Error.Message
	}
	return string(respBodyBytes)
}
