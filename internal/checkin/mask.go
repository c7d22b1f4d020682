package checkin

import "strings"

// PII response levels for successful scans.
const (
	PIILevelNone   = "none"
	PIILevelMasked = "masked"
	PIILevelFull   = "full"
)

// Participant is the identity attached to a ticket.
type Participant struct {
	Name  string
	Email string
}

// DisplayInfo is what scanning staff get to see. TypeName is always present;
// the identity fields depend on the configured level.
type DisplayInfo struct {
	TypeName         string `json:"type_name"`
	ParticipantName  string `json:"participant_name,omitempty"`
	ParticipantEmail string `json:"participant_email,omitempty"`
}

// MaskParticipant applies the configured PII level to a participant. It is a
// pure function: same inputs, same output, no lookups. Unknown levels fall
// back to masked.
func MaskParticipant(typeName string, p Participant, level string) DisplayInfo {
	info := DisplayInfo{TypeName: typeName}

	switch level {
	case PIILevelNone:
		return info
	case PIILevelFull:
		info.ParticipantName = p.Name
		info.ParticipantEmail = p.Email
		return info
	default:
		info.ParticipantName = maskName(p.Name)
		info.ParticipantEmail = maskEmail(p.Email)
		return info
	}
}

// maskName reduces "Jane Doe" to "J. D***".
func maskName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	first := string([]rune(fields[0])[0]) + "."
	if len(fields) == 1 {
		return first
	}
	last := string([]rune(fields[len(fields)-1])[0]) + "***"
	return first + " " + last
}

// maskEmail reduces "jane@example.com" to "j***@example.com".
func maskEmail(email string) string {
	at := strings.IndexRune(email, '@')
	if at <= 0 {
		return ""
	}
	local := []rune(email[:at])
	return string(local[0]) + "***" + email[at:]
}
