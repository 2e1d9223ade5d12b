package nodeexec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Abraxas-365/relayflow/flow"
)

var (
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	phoneRegex = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
)

// validateReply checks a customer answer and returns the value to store.
// Interactive replies resolve to the choice id; numbers are stored as numbers.
func validateReply(text string, v flow.Validator, choices []flow.Choice) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty reply")
	}

	if len(choices) > 0 {
		return matchChoice(text, choices)
	}

	switch v.Type {
	case "", "text":
		return text, nil

	case "number":
		f, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", text)
		}
		return f, nil

	case "email":
		if !emailRegex.MatchString(text) {
			return nil, fmt.Errorf("%q is not a valid email", text)
		}
		return strings.ToLower(text), nil

	case "phone":
		phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(text)
		if !phoneRegex.MatchString(phone) {
			return nil, fmt.Errorf("%q is not a valid phone number", text)
		}
		return phone, nil

	case "regex":
		re, err := regexp.Compile(v.Pattern)
		if err != nil {
			return nil, err
		}
		if !re.MatchString(text) {
			return nil, fmt.Errorf("%q does not match the expected format", text)
		}
		return text, nil

	case "options":
		for _, opt := range v.Options {
			if strings.EqualFold(opt, text) {
				return opt, nil
			}
		}
		return nil, fmt.Errorf("%q is not one of the options", text)
	}
	return nil, fmt.Errorf("unknown validator %q", v.Type)
}

// matchChoice accepts the choice id, its title or its 1-based position.
func matchChoice(text string, choices []flow.Choice) (any, error) {
	for _, c := range choices {
		if c.ID == text {
			return c.ID, nil
		}
	}
	for _, c := range choices {
		if strings.EqualFold(c.Title, text) {
			return c.ID, nil
		}
	}
	if n, err := strconv.Atoi(text); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1].ID, nil
	}
	return nil, fmt.Errorf("%q is not one of the offered choices", text)
}
