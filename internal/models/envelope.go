package models

import "time"

// SourceChannel identifies the transport an envelope arrived on.
type SourceChannel string

const (
	ChannelWebhook SourceChannel = "webhook"
	ChannelStream  SourceChannel = "stream"
	ChannelFile    SourceChannel = "file"
	ChannelSocket  SourceChannel = "socket"
)

// RawEnvelope is the transport-agnostic wrapper around one inbound event.
// Adapters construct it, the pipeline consumes it exactly once.
type RawEnvelope struct {
	SourceChannel  SourceChannel
	ReceivedAt     time.Time
	RemoteIdentity string
	ContentType    string
	SizeBytes      int64
	RawBody        []byte
	// Headers may be empty for non-HTTP channels.
	Headers map[string]string
	// Secret is the bearer credential presented with the request, if any.
	// It never leaves the pipeline's authentication step.
	Secret string
}

// Header returns the named header or "" when absent.
func (e *RawEnvelope) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers[name]
}
