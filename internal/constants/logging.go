package constants

// Standard log field names. Use these exact names across all logging calls.
const (
	// Core identifiers
	LogFieldLocalID        = "local_id"
	LogFieldServerID       = "server_id"
	LogFieldConversationID = "conversation_id"
	LogFieldSenderID       = "sender_id"

	// Service and operation fields
	LogFieldComponent = "component"
	LogFieldOperation = "operation"

	// Queue and delivery
	LogFieldRetryCount = "retry_count"
	LogFieldStatus     = "status"
	LogFieldCount      = "count"
	LogFieldPending    = "pending"
	LogFieldFailed     = "failed"
	LogFieldDuration   = "duration_ms"

	// Request tracing
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"
	LogFieldMethod    = "method"
	LogFieldRemoteIP  = "remote_ip"
	LogFieldUserAgent = "user_agent"
	LogFieldSize      = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldState      = "state"
	LogFieldNetType    = "network_type"
	LogFieldAttempt    = "attempt"
)

// Log levels follow the usual split:
//
// DEBUG: per-entry queue decisions, probe results, raw receipt frames.
// INFO: startup/shutdown, committed connectivity transitions, queue passes that sent something.
// WARN: retryable send failures, fallbacks to the queue, storage read failures degraded to empty.
// ERROR: permanent send failures, exhausted entries, storage write failures.
// FATAL: startup configuration or store failures in cmd/ only.
