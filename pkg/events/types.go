// Package events provides the in-process event bus and the WebSocket
// fan-out layer.
//
// Producers (dispatch workers, the discussion orchestrator, the health
// monitor) publish lifecycle events to the Bus. Publishing never
// blocks: each subscriber owns a bounded buffer and overflow drops the
// event for that subscriber only. The ConnectionManager consumes the
// bus and fans events out to WebSocket clients by channel.
//
// Channels:
//
//	events            every event (all connections get this)
//	request:{id}      events for one request
//	discussion:{id}   events for one discussion session
//
// Every frame on the wire is the event envelope {type, data,
// timestamp}, including protocol replies such as "subscribed" and
// "pong".
package events

// Request lifecycle event types.
const (
	EventRequestSubmitted  = "request_submitted"
	EventRequestProcessing = "request_processing"
	EventRequestCompleted  = "request_completed"
	EventRequestFailed     = "request_failed"
	EventRequestCancelled  = "request_cancelled"

	// EventCLIExecuting carries a truncated command preview, never
	// the full prompt.
	EventCLIExecuting = "cli_executing"
)

// Discussion lifecycle event types.
const (
	EventDiscussionStarted           = "discussion_started"
	EventDiscussionRoundStarted      = "discussion_round_started"
	EventDiscussionProviderStarted   = "discussion_provider_started"
	EventDiscussionProviderCompleted = "discussion_provider_completed"
	EventDiscussionRoundCompleted    = "discussion_round_completed"
	EventDiscussionSummarizing       = "discussion_summarizing"
	EventDiscussionSummaryCompleted  = "discussion_summary_completed"
	EventDiscussionCompleted         = "discussion_completed"
	EventDiscussionFailed            = "discussion_failed"
	EventDiscussionCancelled         = "discussion_cancelled"
	EventDiscussionContinued         = "discussion_continued"
)

// EventProviderStatus is published by the health monitor when a
// provider's verdict changes.
const EventProviderStatus = "provider_status"

// GlobalChannel receives every published event.
const GlobalChannel = "events"

// RequestChannel returns the channel name for one request's events.
func RequestChannel(requestID string) string {
	return "request:" + requestID
}

// DiscussionChannel returns the channel name for one discussion
// session's events.
func DiscussionChannel(sessionID string) string {
	return "discussion:" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket
// messages.
type ClientMessage struct {
	Type     string   `json:"type"`               // "subscribe", "unsubscribe", "ping"
	Channels []string `json:"channels,omitempty"` // for subscribe/unsubscribe
}
