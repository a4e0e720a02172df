package replier

import "strings"

// ErrorClass categorizes reply failures for the session controller.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects the error message for known patterns and returns
// the most specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "forbidden") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	return ErrorClassUnknown
}

// Synthesized replies shown to the participant when the collaborator
// cannot answer. They enter the transcript like any real reply.
const (
	RateLimitedReply     = "(I can't answer right now — the system is rate-limited. Please try again later.)"
	ConnectionErrorReply = "(Connection error. Please try again.)"
)

// SynthesizedReply maps a reply failure to the text appended to the
// transcript in place of a real reply.
func SynthesizedReply(err error) string {
	if ClassifyError(err) == ErrorClassRateLimit {
		return RateLimitedReply
	}
	return ConnectionErrorReply
}
