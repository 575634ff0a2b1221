package schema

import "fmt"

// Violation is one JSON Schema failure in an oracle payload.
type Violation struct {
	Path    string `json:"path"`
	Keyword string `json:"keyword,omitempty"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ValidationResult collects the violations found in one payload.
type ValidationResult struct {
	Payload    string      `json:"payload,omitempty"`
	Violations []Violation `json:"violations,omitempty"`
}

// Valid reports whether nothing was collected.
func (r *ValidationResult) Valid() bool {
	return len(r.Violations) == 0
}

// Add records a violation. An empty path means the document root.
func (r *ValidationResult) Add(path, keyword, message string) {
	if path == "" {
		path = "/"
	}
	r.Violations = append(r.Violations, Violation{Path: path, Keyword: keyword, Message: message})
}

// Strings renders each violation as "path: message".
func (r *ValidationResult) Strings() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// ToError converts the result to a VALIDATION PipelineError, nil if valid.
// A single violation becomes the message; several are summarized.
func (r *ValidationResult) ToError() *PipelineError {
	if r.Valid() {
		return nil
	}

	msg := r.Violations[0].String()
	if len(r.Violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Violations))
	}
	details := map[string]any{"violations": r.Strings()}
	if r.Payload != "" {
		details["payload"] = r.Payload
	}
	return NewError(ErrCodeValidation, msg).WithDetails(details)
}
