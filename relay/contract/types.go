package contract

import (
	"fmt"
	"strings"
	"time"
)

// SourceMetadata describes who triggered a request and from where.
type SourceMetadata struct {
	System     string    `json:"system"`
	Process    string    `json:"process"`
	CallerID   string    `json:"caller_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}

// WorkItem is the unit of queued work. TrackingID is immutable once admitted.
type WorkItem struct {
	TrackingID   string         `json:"tracking_id"`
	SessionKey   string         `json:"session_key"`
	MemoryKey    string         `json:"memory_key"`
	QueryText    string         `json:"query_text"`
	Source       SourceMetadata `json:"source_metadata"`
	AttemptCount int            `json:"attempt_count,omitempty"`
}

func (w WorkItem) Validate() error {
	switch {
	case strings.TrimSpace(w.TrackingID) == "":
		return fmt.Errorf("%w: tracking id is empty", ErrValidation)
	case strings.TrimSpace(w.SessionKey) == "":
		return fmt.Errorf("%w: session key is empty", ErrValidation)
	case strings.TrimSpace(w.QueryText) == "":
		return fmt.Errorf("%w: query text is empty", ErrValidation)
	}
	return nil
}

type SessionContext struct {
	SessionKey string `json:"session_key"`
	MemoryKey  string `json:"memory_key"`
}

type DestinationClass string

const (
	ClassGeneral     DestinationClass = "general"
	ClassSales       DestinationClass = "sales"
	ClassSupport     DestinationClass = "support"
	ClassFinance     DestinationClass = "finance"
	ClassEngineering DestinationClass = "engineering"
)

// DestinationClasses is the fixed enumeration, default first.
var DestinationClasses = []DestinationClass{
	ClassGeneral,
	ClassSales,
	ClassSupport,
	ClassFinance,
	ClassEngineering,
}

func (c DestinationClass) Valid() bool {
	for _, known := range DestinationClasses {
		if c == known {
			return true
		}
	}
	return false
}

type ClassifiedResponse struct {
	TrackingID        string           `json:"tracking_id"`
	DestinationClass  DestinationClass `json:"destination_class"`
	RawText           string           `json:"raw_text"`
	PlainText         string           `json:"plain_text"`
	AgentTraceSummary string           `json:"agent_trace_summary,omitempty"`
	SessionKey        string           `json:"session_key"`
	RespondedAt       time.Time        `json:"responded_at"`
}

type DeliveryResult string

const (
	DeliverySuccess          DeliveryResult = "success"
	DeliveryRetryableFailure DeliveryResult = "retryable_failure"
	DeliveryTerminalFailure  DeliveryResult = "terminal_failure"
)

func (r DeliveryResult) Terminal() bool {
	return r == DeliverySuccess || r == DeliveryTerminalFailure
}

// DeliveryRecord is appended for every outbound attempt.
type DeliveryRecord struct {
	TrackingID       string           `json:"tracking_id"`
	DestinationURL   string           `json:"destination_url"`
	DestinationClass DestinationClass `json:"destination_class"`
	AttemptNumber    int              `json:"attempt_number"`
	Result           DeliveryResult   `json:"result"`
	StatusCode       int              `json:"status_code,omitempty"`
	Error            string           `json:"error,omitempty"`
	Timestamp        time.Time        `json:"timestamp"`
}
