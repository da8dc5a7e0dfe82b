package transfer

import (
	"fmt"
	"strconv"
	"strings"
)

// SessionID identifies a transfer session for as long as it is registered.
type SessionID uint64

func (id SessionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseSessionID parses the decimal form produced by SessionID.String.
func ParseSessionID(s string) (SessionID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", s, err)
	}

	return SessionID(v), nil
}

// Target describes what to download and where to put it.
// It must not be changed once a session has been created from it.
type Target struct {
	Name           string `json:"name,omitempty"`
	URL            string `json:"url"`
	Destination    string `json:"destination"`
	ExpectedDigest string `json:"expected_digest,omitempty"`
}

// WantsVerification reports whether a digest check was requested.
// An empty or blank digest means no verification.
func (t Target) WantsVerification() bool {
	return strings.TrimSpace(t.ExpectedDigest) != ""
}

// DisplayName returns the catalog name when known, the URL otherwise.
func (t Target) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}

	return t.URL
}

type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority accepts low/medium/high or 1/2/3. An empty value means medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium", "2":
		return PriorityMedium, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	}

	return 0, &InvalidTargetError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", s)}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts the names and the numbers understood by ParsePriority.
func (p *Priority) UnmarshalJSON(b []byte) error {
	raw := string(b)
	if raw == "null" {
		return nil
	}

	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = unquoted
	}

	v, err := ParsePriority(raw)
	if err != nil {
		return err
	}

	*p = v

	return nil
}

// State is the run state of a session.
type State int32

const (
	StateRunning State = iota
	StatePaused
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome messages.
const (
	MessageCanceled         = "canceled"
	MessageDownloaded       = "downloaded"
	MessageVerified         = "downloaded and verified"
	MessageChecksumMismatch = "checksum mismatch, file removed"
)

// ProgressEvent is emitted each time the integer percentage of a session changes.
type ProgressEvent struct {
	ID      SessionID `json:"id"`
	Percent int       `json:"percent"`
}

// OutcomeEvent terminates a session. Exactly one is emitted per session.
type OutcomeEvent struct {
	ID      SessionID `json:"id"`
	Success bool      `json:"success"`
	Message string    `json:"message"`
	Target  Target    `json:"target"`
}

// Canceled reports whether the outcome is a user cancellation rather than a failure.
func (o OutcomeEvent) Canceled() bool {
	return !o.Success && o.Message == MessageCanceled
}

// Status maps the outcome to the status stored in the download history.
func (o OutcomeEvent) Status() string {
	switch {
	case o.Success:
		return StatusCompleted
	case o.Canceled():
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// History statuses.
const (
	StatusDownloading = "downloading"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// Event carries either a progress or an outcome notification.
type Event struct {
	Progress *ProgressEvent `json:"progress,omitempty"`
	Outcome  *OutcomeEvent  `json:"outcome,omitempty"`
}

func NewProgressEvent(id SessionID, percent int) Event {
	return Event{Progress: &ProgressEvent{ID: id, Percent: percent}}
}

func NewOutcomeEvent(o OutcomeEvent) Event {
	return Event{Outcome: &o}
}

// SessionID returns the id of the session that produced the event.
func (e Event) SessionID() SessionID {
	if e.Outcome != nil {
		return e.Outcome.ID
	}

	if e.Progress != nil {
		return e.Progress.ID
	}

	return 0
}

// IsTerminal reports whether the event ends its session.
func (e Event) IsTerminal() bool {
	return e.Outcome != nil
}
