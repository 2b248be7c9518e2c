package reward

import "time"

// Submission is one accepted registration in the ledger. It is never
// modified after it is appended.
type Submission struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Position       string    `json:"position"`
	Company        string    `json:"company"`
	Phone          string    `json:"phone"`
	Email          string    `json:"email"`
	CompletedCount int       `json:"completed_count"`
	RewardLevel    string    `json:"reward_level"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Field names accepted in the required-field configuration.
const (
	FieldName     = "name"
	FieldPosition = "position"
	FieldCompany  = "company"
	FieldPhone    = "phone"
	FieldEmail    = "email"
)

// DefaultRequiredFields mirrors the registration form at the event.
var DefaultRequiredFields = []string{FieldName, FieldCompany, FieldPhone, FieldEmail}

// Field returns the contact field named by one of the Field constants.
func (s Submission) Field(name string) (string, bool) {
	switch name {
	case FieldName:
		return s.Name, true
	case FieldPosition:
		return s.Position, true
	case FieldCompany:
		return s.Company, true
	case FieldPhone:
		return s.Phone, true
	case FieldEmail:
		return s.Email, true
	}
	return "", false
}

// Receipt is the confirmation returned for an accepted registration.
type Receipt struct {
	Submission Submission `json:"submission"`
	Tier       Tier       `json:"tier"`
	Remaining  Snapshot   `json:"remaining"`
}
