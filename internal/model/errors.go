package model

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorInfo holds structured failure information for a pipeline run.
type ErrorInfo struct {
	FailedStep string `json:"failed_step"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	FailedAt   string `json:"failed_at"`
}

// ToJSON serializes ErrorInfo to a JSON string.
func (e ErrorInfo) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// ExtractionCode classifies why an article could not be extracted.
type ExtractionCode string

const (
	CodeEmptyInput   ExtractionCode = "EMPTY_INPUT"
	CodeInvalidURL   ExtractionCode = "INVALID_URL_FORMAT"
	CodeUnsupported  ExtractionCode = "UNSUPPORTED_CONTENT"
	CodeNoContent    ExtractionCode = "NO_CONTENT"
	CodeCrawlFailed  ExtractionCode = "CRAWL_FAILED"
	CodeNetworkError ExtractionCode = "NETWORK_ERROR"
	CodeTimeout      ExtractionCode = "TIMEOUT"
)

var extractionStatus = map[ExtractionCode]int{
	CodeEmptyInput:   http.StatusBadRequest,
	CodeInvalidURL:   http.StatusBadRequest,
	CodeUnsupported:  http.StatusUnsupportedMediaType,
	CodeNoContent:    http.StatusUnprocessableEntity,
	CodeCrawlFailed:  http.StatusBadGateway,
	CodeNetworkError: http.StatusBadGateway,
	CodeTimeout:      http.StatusGatewayTimeout,
}

var extractionMessages = map[ExtractionCode]string{
	CodeEmptyInput:   "Please enter a URL or paste the article text.",
	CodeInvalidURL:   "That does not look like a valid URL. Check the address and try again.",
	CodeUnsupported:  "This kind of page is not supported. Video and social media links cannot be narrated.",
	CodeNoContent:    "No readable article text was found on this page.",
	CodeCrawlFailed:  "The page could not be fetched. The site may be blocking automated access.",
	CodeNetworkError: "A network error occurred while fetching the page. Please try again.",
	CodeTimeout:      "The page took too long to respond. Please try again later.",
}

// ExtractionError is a terminal failure of the extraction stage.
type ExtractionError struct {
	Code   ExtractionCode
	Detail string
	Err    error
}

// NewExtractionError builds an ExtractionError with an optional cause.
func NewExtractionError(code ExtractionCode, detail string, err error) *ExtractionError {
	return &ExtractionError{Code: code, Detail: detail, Err: err}
}

func (e *ExtractionError) Error() string {
	msg := string(e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Message returns the user-facing message for the error code.
func (e *ExtractionError) Message() string {
	if m, ok := extractionMessages[e.Code]; ok {
		return m
	}
	return "The article could not be processed."
}

// HTTPStatus maps the code to an HTTP status: 4xx when the caller can fix the
// input, 5xx for transient upstream problems.
func (e *ExtractionError) HTTPStatus() int {
	if s, ok := extractionStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the same request may succeed later.
func (e *ExtractionError) Retryable() bool {
	return e.HTTPStatus() >= http.StatusInternalServerError
}

// StreamTransportError is a network-level break of a generation stream that
// happened before, or without, an explicit failure event.
type StreamTransportError struct {
	Track string
	Err   error
}

func (e *StreamTransportError) Error() string {
	return fmt.Sprintf("%s stream: %v", e.Track, e.Err)
}

func (e *StreamTransportError) Unwrap() error { return e.Err }

// UpstreamGenerationError carries an explicit failure reported by the
// generator, or a final payload that failed validation. Message is the
// upstream text, unmodified.
type UpstreamGenerationError struct {
	Track   string
	Message string
}

func (e *UpstreamGenerationError) Error() string {
	return e.Track + " generation failed: " + e.Message
}

// SynthesisError reports that at least one segment could not be synthesized
// or the segments could not be merged.
type SynthesisError struct {
	Segment int // -1 when the failure is not tied to one segment
	Err     error
}

func (e *SynthesisError) Error() string {
	if e.Segment < 0 {
		return "synthesis failed: " + e.Err.Error()
	}
	return fmt.Sprintf("synthesis failed at segment %d: %v", e.Segment, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
