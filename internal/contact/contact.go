// Package contact defines the domain types shared by the reconciliation
// engine, the contact store, and the API surface: contacts, field
// definitions, tags, and the Instagram snapshot.
package contact

import (
	"strings"
	"time"

	"github.com/rs/xid"
)

const usernamePrefix = "@"

// User identifies the authenticated owner of a contact collection. It is an
// opaque handle supplied by the session service; this system never touches
// credentials.
type User struct {
	UID   string
	Email string
}

// Place is a structured location produced by the geocoding service or stored
// on a contact's location-typed field.
type Place struct {
	City        string `json:"city"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	DisplayName string `json:"displayName"`
}

// Contact represents one Instagram relationship tracked by the CRM.
type Contact struct {
	ID          string         `json:"id"`
	Instagram   string         `json:"instagram"`
	FirstName   string         `json:"firstName"`
	Gender      string         `json:"gender,omitempty"`
	Location    *Place         `json:"location,omitempty"`
	BirthDate   string         `json:"birthDate,omitempty"`
	NextMeeting string         `json:"nextMeeting,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Custom      map[string]any `json:"custom,omitempty"`
	IsFavorite  bool           `json:"isFavorite"`
	IsNew       bool           `json:"isNew"`
	CreatedAt   string         `json:"createdAt"`
}

// NewContactID returns a unique, time-ordered contact identifier.
func NewContactID() string {
	return xid.New().String()
}

// NewContact constructs a contact pre-filled from an Instagram username, the
// shape the reconciler creates for newly discovered mutual followers.
func NewContact(username string, createdAt time.Time) Contact {
	display := strings.TrimPrefix(strings.TrimSpace(username), usernamePrefix)
	return Contact{
		ID:        NewContactID(),
		Instagram: usernamePrefix + display,
		FirstName: display,
		IsNew:     true,
		CreatedAt: createdAt.UTC().Format(time.RFC3339),
	}
}

// NormalizeUsername lowercases a username and strips the leading @ so that
// export entries and stored contacts compare equal regardless of case.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), usernamePrefix))
}

// NormalizedInstagram returns the contact's Instagram username in comparison
// form.
func (c Contact) NormalizedInstagram() string {
	return NormalizeUsername(c.Instagram)
}

// Value returns the contact's value for the given field identifier. Default
// field identifiers address the fixed struct fields; any other identifier
// addresses the custom value map.
func (c Contact) Value(fieldID string) any {
	switch fieldID {
	case FieldIDFirstName:
		return c.FirstName
	case FieldIDInstagram:
		return c.Instagram
	case FieldIDGender:
		return c.Gender
	case FieldIDLocation:
		if c.Location == nil {
			return nil
		}
		return *c.Location
	case FieldIDBirthDate:
		return c.BirthDate
	case FieldIDNextMeeting:
		return c.NextMeeting
	case FieldIDNotes:
		return c.Notes
	default:
		if c.Custom == nil {
			return nil
		}
		return c.Custom[fieldID]
	}
}

// SetValue stores a value under the given field identifier, routing default
// identifiers to the fixed struct fields.
func (c *Contact) SetValue(fieldID string, value any) {
	switch fieldID {
	case FieldIDFirstName:
		c.FirstName, _ = value.(string)
	case FieldIDInstagram:
		c.Instagram, _ = value.(string)
	case FieldIDGender:
		c.Gender, _ = value.(string)
	case FieldIDLocation:
		switch place := value.(type) {
		case Place:
			c.Location = &place
		case *Place:
			c.Location = place
		case nil:
			c.Location = nil
		}
	case FieldIDBirthDate:
		c.BirthDate, _ = value.(string)
	case FieldIDNextMeeting:
		c.NextMeeting, _ = value.(string)
	case FieldIDNotes:
		c.Notes, _ = value.(string)
	default:
		if c.Custom == nil {
			c.Custom = map[string]any{}
		}
		c.Custom[fieldID] = value
	}
}

// IsComplete reports whether every required field in the supplied schema
// carries a non-empty value. It is derived, never stored.
func (c Contact) IsComplete(fields []FieldDefinition) bool {
	for _, field := range fields {
		if !field.Required {
			continue
		}
		if isEmptyFieldValue(c.Value(field.ID)) {
			return false
		}
	}
	return true
}

func isEmptyFieldValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(typed) == ""
	case Place:
		return typed.DisplayName == "" && typed.City == ""
	default:
		return false
	}
}
