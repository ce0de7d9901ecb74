package pkg

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role describes who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps loosely specified roles onto the three roles the
// completion API understands. "bot" and "model" are assistant aliases; any
// other unknown role is coerced to user.
func NormalizeRole(role string) Role {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "system":
		return RoleSystem
	case "assistant", "bot", "model":
		return RoleAssistant
	default:
		return RoleUser
	}
}

// Turn is a single conversational message. Content is either a string or a
// decoded JSON object.
type Turn struct {
	Role    Role `json:"role"`
	Content any  `json:"content"`
}

// Text renders the content as the string sent to the model.
func (t Turn) Text() string {
	switch c := t.Content.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.RawMessage:
		return string(c)
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(b)
	}
}

// UnmarshalJSON accepts both the object form {"role", "content"} and the
// bare-string history entries older clients send ("bot: ..." for the
// assistant, anything else for the user).
func (t *Turn) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = TurnFromLegacy(s)
		return nil
	}
	var aux struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Role = NormalizeRole(aux.Role)
	t.Content = aux.Content
	return nil
}

// TurnFromLegacy converts a "bot: text" style history line into a Turn.
func TurnFromLegacy(line string) Turn {
	if rest, ok := strings.CutPrefix(line, "bot:"); ok {
		return Turn{Role: RoleAssistant, Content: strings.TrimSpace(rest)}
	}
	return Turn{Role: RoleUser, Content: line}
}

// Completion status values a record may carry in its "status" field.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
)

type Demographics struct {
	Age    int    `json:"age"`
	Sex    string `json:"sex"`
	Height string `json:"height"`
	Weight string `json:"weight"`
}

type MedicalHistory struct {
	PastConditions []string `json:"past_conditions"`
	Surgeries      []string `json:"surgeries"`
	Medications    []string `json:"medications"`
	Allergies      []string `json:"allergies"`
}

type FamilyHistory struct {
	Conditions []string `json:"conditions"`
}

type Lifestyle struct {
	Smoking            string `json:"smoking" jsonschema:"enum=yes,enum=no"`
	AlcoholConsumption string `json:"alcohol_consumption" jsonschema:"enum=yes,enum=no"`
	ExerciseFrequency  string `json:"exercise_frequency"`
}

type CurrentSymptoms struct {
	Symptoms []string `json:"symptoms"`
	Duration string   `json:"duration"`
	Severity string   `json:"severity"`
}

type RiskFactors struct {
	TravelHistory         string `json:"travel_history"`
	OccupationalExposures string `json:"occupational_exposures"`
	RecentContactWithSick string `json:"recent_contact_with_sick" jsonschema:"enum=yes,enum=no"`
}

// IntakeRecord is the terminal output of the intake variant.
type IntakeRecord struct {
	PatientID       string          `json:"patient_id"`
	Date            string          `json:"date" jsonschema:"example=2025-01-31"`
	Demographics    Demographics    `json:"demographics"`
	MedicalHistory  MedicalHistory  `json:"medical_history"`
	FamilyHistory   FamilyHistory   `json:"family_history"`
	Lifestyle       Lifestyle       `json:"lifestyle"`
	CurrentSymptoms CurrentSymptoms `json:"current_symptoms"`
	RiskFactors     RiskFactors     `json:"risk_factors"`
	Summary         string          `json:"summary"`
	Status          string          `json:"status,omitempty" jsonschema:"enum=complete,enum=incomplete"`
}

// Provider identifies the clinician a note is charted for.
type Provider struct {
	Name        string `json:"name"`
	Credentials string `json:"credentials"`
}

// SOAPNote is the terminal output of the SOAP variant.
type SOAPNote struct {
	PatientID    string   `json:"patient_id"`
	Date         string   `json:"date"`
	Provider     Provider `json:"provider"`
	Subjective   string   `json:"subjective"`
	Objective    string   `json:"objective"`
	Assessment   string   `json:"assessment"`
	Plan         string   `json:"plan"`
	NextQuestion string   `json:"next_question,omitempty"`
	Status       string   `json:"status,omitempty" jsonschema:"enum=complete,enum=incomplete"`
}

// ChartingType tells a client how to render a charting entry.
type ChartingType string

const (
	ChartingWarning ChartingType = "warning"
	ChartingMessage ChartingType = "message"
)

type ChartingInformation struct {
	Content string       `json:"content"`
	Type    ChartingType `json:"type" jsonschema:"enum=warning,enum=message"`
}

// ChartingDelta is one incremental nugget of charted information plus the
// next question to ask. Deltas accumulate; they never replace each other.
type ChartingDelta struct {
	PatientID           string              `json:"patient_id"`
	Date                string              `json:"date"`
	Provider            Provider            `json:"provider"`
	ChartingInformation ChartingInformation `json:"charting_information"`
	NextQuestion        string              `json:"next_question,omitempty"`
	Status              string              `json:"status,omitempty" jsonschema:"enum=complete,enum=incomplete"`
}

// SessionState is the per-conversation collection state.
type SessionState string

const (
	StateCollecting SessionState = "collecting"
	StateFinalized  SessionState = "finalized"
)

// Session represents one intake conversation held in memory.
type Session struct {
	ID             string       `json:"session_id"`
	Assistant      string       `json:"assistant"`
	Variant        string       `json:"variant"`
	State          SessionState `json:"state"`
	StartedAt      time.Time    `json:"started_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	FinalizedAt    *time.Time   `json:"finalized_at,omitempty"`
}

// SessionSnapshot is the full read model of a session.
type SessionSnapshot struct {
	Session
	Transcript []Turn                `json:"transcript"`
	Charting   []ChartingInformation `json:"charting"`
	Record     map[string]any        `json:"record,omitempty"`
}

// CreateSessionRequest selects the assistant persona for a new session.
type CreateSessionRequest struct {
	Assistant string `json:"assistant"`
}

// CreateSessionResponse is returned when a session starts.
type CreateSessionResponse struct {
	Session
	Greeting string `json:"greeting"`
}

// ChatRequest represents a request to send a message from the patient.
type ChatRequest struct {
	Content string `json:"content"`
}

// Validation reports whether a record matched its variant's JSON schema.
type Validation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ChatResponse contains the assistant's reply to one patient turn and the
// session state after it. Capped is set when the message cap was reached.
type ChatResponse struct {
	State      SessionState          `json:"state"`
	Reply      string                `json:"reply,omitempty"`
	Record     map[string]any        `json:"record,omitempty"`
	Charting   []ChartingInformation `json:"charting,omitempty"`
	Validation *Validation           `json:"validation,omitempty"`
	Capped     bool                  `json:"capped"`
}
