package reasoning

import (
	"strconv"
	"strings"

	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// ValidateResolution checks a caller's answer against a clarification
// request and returns it in canonical form. Options match exactly, then
// case-insensitively, then by 1-based position ("2"). Multiple-selection
// requests take a comma-separated list. With no options any non-empty
// answer is accepted (free-form clarification).
func ValidateResolution(req *state.ClarifyRequest, choice string) (string, error) {
	choice = strings.TrimSpace(choice)
	if choice == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "empty clarification answer")
	}
	if req == nil || len(req.Options) == 0 {
		return choice, nil // free-form: any choice accepted
	}

	if req.SelectionMode != state.SelectMultiple {
		opt, ok := matchOption(req.Options, choice)
		if !ok {
			return "", invalidChoice(choice, req.Options)
		}
		return opt, nil
	}

	var picked []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(choice, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		opt, ok := matchOption(req.Options, part)
		if !ok {
			return "", invalidChoice(part, req.Options)
		}
		if !seen[opt] {
			seen[opt] = true
			picked = append(picked, opt)
		}
	}
	if len(picked) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "empty clarification answer")
	}
	return strings.Join(picked, ", "), nil
}

func matchOption(options []string, choice string) (string, bool) {
	for _, opt := range options {
		if opt == choice {
			return opt, true
		}
	}
	for _, opt := range options {
		if strings.EqualFold(opt, choice) {
			return opt, true
		}
	}
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], true
	}
	return "", false
}

func invalidChoice(choice string, options []string) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid choice %q: not in available options", choice).
		WithDetails(map[string]any{"options": options})
}
