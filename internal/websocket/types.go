package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeExtractionProgress reports a running extraction job
	EventTypeExtractionProgress EventType = "extraction_progress"
	// EventTypeExtractionComplete reports a finished extraction job
	EventTypeExtractionComplete EventType = "extraction_complete"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ExtractionProgressEvent mirrors one pipeline progress snapshot
type ExtractionProgressEvent struct {
	Tower     string  `json:"tower"`
	Processed int64   `json:"processed"`
	Failed    int64   `json:"failed"`
	Total     int64   `json:"total"`
	CacheHits int64   `json:"cache_hits"`
	Rate      float64 `json:"rate_per_sec"`
	ElapsedMS int64   `json:"elapsed_ms"`
}

// ExtractionCompleteEvent summarizes a finished extraction job
type ExtractionCompleteEvent struct {
	Tower       string  `json:"tower"`
	TotalImages int64   `json:"total_images"`
	ProcessedOK int64   `json:"processed_ok"`
	Failed      int64   `json:"failed"`
	DurationMS  int64   `json:"duration_ms"`
	RatePerSec  float64 `json:"rate_per_sec"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status            string   `json:"status"`
	Towers            []string `json:"towers"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int64    `json:"active_connections"`
}

// ConnectionEvent represents a client connection change
type ConnectionEvent struct {
	Action    string `json:"action"`
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message"`
}

// Client represents one connected WebSocket peer
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
	Subscription *SubscriptionRequest
}

// SubscriptionRequest narrows which event types a client receives
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// ClientMessage is an inbound message from a client
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}
