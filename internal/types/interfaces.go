package types

// Logger is the narrow structured-logging interface injected into components
// that must be mockable in tests. *slog.Logger satisfies Info, Error, and
// Warn directly but its With returns *slog.Logger, so entrypoints wrap it in
// a small adapter.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}

// SendInput carries the pre-rendered content for a single provider send.
type SendInput struct {
	To       string
	ToName   string
	From     SenderIdentity
	Subject  string
	BodyHTML string
	BodyText string

	// ReferenceID tags the message for correlation with inbound events.
	ReferenceID string
}

// SenderIdentity is the verified sender address used for outbound mail.
type SenderIdentity struct {
	Name    string
	Address string
}
