package errors

import "strings"

// FieldError is one failed input rule
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects every failed field of a request so the caller
// can fix them in one round trip.
type ValidationErrors struct {
	Fields []FieldError `json:"fields"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

func (v *ValidationErrors) Add(field, message string) {
	if field == "" {
		field = "general"
	}
	v.Fields = append(v.Fields, FieldError{Field: field, Message: message})
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Fields) > 0
}

func (v *ValidationErrors) Error() string {
	if len(v.Fields) == 0 {
		return ""
	}
	messages := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		messages[i] = f.Message
	}
	return "Validation failed: " + strings.Join(messages, "; ")
}

// ToMap groups the messages by field
func (v *ValidationErrors) ToMap() map[string][]string {
	out := make(map[string][]string, len(v.Fields))
	for _, f := range v.Fields {
		out[f.Field] = append(out[f.Field], f.Message)
	}
	return out
}
