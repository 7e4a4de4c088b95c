package logging

import "log/slog"

// Field names shared across the gateway so log records stay greppable.
const (
	FieldService       = "service"
	FieldChannel       = "channel"
	FieldIdentity      = "identity"
	FieldCredentialID  = "credential_id"
	FieldRecordID      = "record_id"
	FieldIP            = "ip"
	FieldError         = "error"
	FieldReason        = "reason"
	FieldSecurityEvent = "security_event"
	FieldSecurityKind  = "security_kind"
	FieldSignatures    = "signatures"
	FieldDurationMS    = "duration_ms"
)

// Service returns the service-name attribute.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Channel returns the source-channel attribute.
func Channel(name string) slog.Attr {
	return slog.String(FieldChannel, name)
}

// Identity returns the rate-limit identity attribute.
func Identity(id string) slog.Attr {
	return slog.String(FieldIdentity, id)
}

// CredentialID returns the credential-id attribute.
func CredentialID(id string) slog.Attr {
	return slog.String(FieldCredentialID, id)
}

// RecordID returns the notification-record-id attribute.
func RecordID(id string) slog.Attr {
	return slog.String(FieldRecordID, id)
}

// IP returns the remote-address attribute.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// Error returns the error attribute.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Reason returns the rejection-reason attribute.
func Reason(code string) slog.Attr {
	return slog.String(FieldReason, code)
}

// Signatures returns the matched threat-signature attribute.
func Signatures(names []string) slog.Attr {
	return slog.Any(FieldSignatures, names)
}
