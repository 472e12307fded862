package contact

import "strconv"

// FieldType enumerates the supported contact attribute kinds.
type FieldType string

const (
	FieldTypeText     FieldType = "text"
	FieldTypeTextArea FieldType = "textarea"
	FieldTypeSelect   FieldType = "select"
	FieldTypeRadio    FieldType = "radio"
	FieldTypeCheckbox FieldType = "checkbox"
	FieldTypeDate     FieldType = "date"
)

// Identifiers of the default fields. The set is fixed; default field schemas
// may still gain tags over time.
const (
	FieldIDFirstName   = "firstName"
	FieldIDInstagram   = "instagram"
	FieldIDGender      = "gender"
	FieldIDLocation    = "location"
	FieldIDBirthDate   = "birthDate"
	FieldIDNextMeeting = "nextMeeting"
	FieldIDNotes       = "notes"
)

// Tag is a labeled, colored option attached to a select-typed field. Value is
// the semantic identifier; Label the human-readable display string.
type Tag struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Class string `json:"class,omitempty"`
}

// FieldDefinition describes one contact attribute. Custom marks user-defined
// fields, which are deletable; default fields are not.
type FieldDefinition struct {
	ID       string    `json:"id"`
	Type     FieldType `json:"type"`
	Label    string    `json:"label"`
	Required bool      `json:"required"`
	Order    int       `json:"order"`
	Tags     []Tag     `json:"tags,omitempty"`
	Options  []string  `json:"options,omitempty"`
	Custom   bool      `json:"custom,omitempty"`
}

// DefaultFields returns the fixed default field schema.
func DefaultFields() []FieldDefinition {
	return []FieldDefinition{
		{ID: FieldIDFirstName, Type: FieldTypeText, Label: "First name", Required: true, Order: 0},
		{ID: FieldIDInstagram, Type: FieldTypeText, Label: "Instagram", Required: true, Order: 1},
		{ID: FieldIDGender, Type: FieldTypeRadio, Label: "Gender", Order: 2, Options: []string{"Female", "Male", "Other"}},
		{ID: FieldIDLocation, Type: FieldTypeText, Label: "Location", Order: 3},
		{ID: FieldIDBirthDate, Type: FieldTypeDate, Label: "Birth date", Order: 4},
		{ID: FieldIDNextMeeting, Type: FieldTypeDate, Label: "Next meeting", Order: 5},
		{ID: FieldIDNotes, Type: FieldTypeTextArea, Label: "Notes", Order: 6},
	}
}

// OptionKind discriminates the two stored forms of a categorical field value.
type OptionKind string

const (
	// OptionKindIndex is the current form: the zero-based position of the
	// tag within the field's tag list.
	OptionKindIndex OptionKind = "index"
	// OptionKindValue is the legacy form: the tag's semantic value string.
	OptionKindValue OptionKind = "value"
)

// OptionRef is the normalized form of a stored categorical value. Consumers
// decode once at the data-access boundary instead of re-checking the dynamic
// type at every use site.
type OptionRef struct {
	Kind  OptionKind
	Index int
	Value string
}

// DecodeOptionValue normalizes a stored select/radio value into an OptionRef.
// Numeric values (including JSON numbers decoded as float64) are index
// references; strings are legacy value references. The second return value is
// false when the stored value is absent or of an unusable type.
func DecodeOptionValue(raw any) (OptionRef, bool) {
	switch typed := raw.(type) {
	case nil:
		return OptionRef{}, false
	case int:
		return OptionRef{Kind: OptionKindIndex, Index: typed}, true
	case int64:
		return OptionRef{Kind: OptionKindIndex, Index: int(typed)}, true
	case float64:
		return OptionRef{Kind: OptionKindIndex, Index: int(typed)}, true
	case string:
		if typed == "" {
			return OptionRef{}, false
		}
		return OptionRef{Kind: OptionKindValue, Value: typed}, true
	default:
		return OptionRef{}, false
	}
}

// ResolveTag maps a normalized option reference onto the field's tag list.
func (definition FieldDefinition) ResolveTag(reference OptionRef) (Tag, bool) {
	switch reference.Kind {
	case OptionKindIndex:
		if reference.Index < 0 || reference.Index >= len(definition.Tags) {
			return Tag{}, false
		}
		return definition.Tags[reference.Index], true
	case OptionKindValue:
		for _, tag := range definition.Tags {
			if tag.Value == reference.Value {
				return tag, true
			}
		}
	}
	return Tag{}, false
}

// ResolveOption maps a normalized option reference onto a radio field's plain
// option strings.
func (definition FieldDefinition) ResolveOption(reference OptionRef) (string, bool) {
	switch reference.Kind {
	case OptionKindIndex:
		if reference.Index < 0 || reference.Index >= len(definition.Options) {
			return "", false
		}
		return definition.Options[reference.Index], true
	case OptionKindValue:
		for _, option := range definition.Options {
			if option == reference.Value {
				return option, true
			}
		}
	}
	return "", false
}

// String renders the reference for logging.
func (reference OptionRef) String() string {
	if reference.Kind == OptionKindIndex {
		return strconv.Itoa(reference.Index)
	}
	return reference.Value
}
