package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minQuestionLength = 5
	maxQuestionLength = 2000
)

// Template and prompt-control fragments that should never reach the model.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$\{.*\}`),
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`),
	regexp.MustCompile(`(?i)</?system>`),
}

// ValidateRef checks that r addresses something and that a serial is positive.
func ValidateRef(field string, r Ref) error {
	if r.IsZero() {
		return Errorf(ErrInvalidInput, field, "missing identifier")
	}
	if r.IsSerial() && r.Serial < 1 {
		return Errorf(ErrInvalidInput, field, "serial %d must be >= 1", r.Serial)
	}
	if !r.IsSerial() && strings.TrimSpace(r.Token) != r.Token {
		return Errorf(ErrInvalidInput, field, "token %q has surrounding whitespace", r.Token)
	}
	return nil
}

// ValidateQuery checks types and ranges before any dataset lookup.
func ValidateQuery(q Query) error {
	if err := ValidateRef("scene", q.Scene); err != nil {
		return err
	}
	if err := ValidateRef("keyframe", q.Keyframe); err != nil {
		return err
	}
	if !q.Category.Valid() {
		return Errorf(ErrInvalidInput, "category", "must be one of perception, prediction, planning, behavior")
	}
	if q.Serial < 1 {
		return Errorf(ErrInvalidInput, "serial", "serial %d must be >= 1", q.Serial)
	}
	if q.Question != "" {
		return ValidateQuestion(q.Question)
	}
	return nil
}

// ValidateQuestion checks a caller-supplied question override.
func ValidateQuestion(text string) error {
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < minQuestionLength {
		return Errorf(ErrInvalidInput, "question", "too short (%d < %d)", n, minQuestionLength)
	}
	if n > maxQuestionLength {
		return Errorf(ErrInvalidInput, "question", "too long (%d > %d)", n, maxQuestionLength)
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return Errorf(ErrInvalidInput, "question", "contains suspicious content")
		}
	}
	return nil
}
