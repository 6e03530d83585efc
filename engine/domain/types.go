// Package domain defines the shared vocabulary of the drive-qa pipeline:
// question categories, scene/keyframe identifiers, the error taxonomy, and
// input validation at pipeline entry points.
package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Category is the closed set of QA categories in the dataset.
type Category uint8

const (
	CategoryUnknown Category = iota
	CategoryPerception
	CategoryPrediction
	CategoryPlanning
	CategoryBehavior
)

// Categories lists every valid category in dataset order.
var Categories = []Category{CategoryPerception, CategoryPrediction, CategoryPlanning, CategoryBehavior}

func (c Category) String() string {
	switch c {
	case CategoryPerception:
		return "perception"
	case CategoryPrediction:
		return "prediction"
	case CategoryPlanning:
		return "planning"
	case CategoryBehavior:
		return "behavior"
	default:
		return "unknown"
	}
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool { return c >= CategoryPerception && c <= CategoryBehavior }

// ParseCategory maps a case-insensitive name to a Category.
func ParseCategory(s string) (Category, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if c.String() == name {
			return c, nil
		}
	}
	return CategoryUnknown, Errorf(ErrInvalidInput, "category", "unknown category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, Errorf(ErrInvalidInput, "category", "cannot encode %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Ref identifies a scene or keyframe either by 1-based serial or by raw token.
// Exactly one of Serial and Token is set on a valid Ref.
type Ref struct {
	Serial int
	Token  string
}

// SerialRef returns a Ref addressing by serial number.
func SerialRef(n int) Ref { return Ref{Serial: n} }

// TokenRef returns a Ref addressing by dataset token.
func TokenRef(tok string) Ref { return Ref{Token: tok} }

// IsZero reports whether r addresses nothing.
func (r Ref) IsZero() bool { return r.Serial == 0 && r.Token == "" }

// IsSerial reports whether r addresses by serial number.
func (r Ref) IsSerial() bool { return r.Token == "" }

func (r Ref) String() string {
	if r.IsSerial() {
		return strconv.Itoa(r.Serial)
	}
	return r.Token
}

// ParseRef turns user text into a Ref. All-digit text is a serial number.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, Errorf(ErrInvalidInput, "ref", "empty identifier")
	}
	if isDigits(s) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Ref{}, Errorf(ErrInvalidInput, "ref", "serial %q must be a positive integer", s)
		}
		return SerialRef(n), nil
	}
	return TokenRef(s), nil
}

func (r Ref) MarshalJSON() ([]byte, error) {
	if r.IsSerial() {
		return []byte(strconv.Itoa(r.Serial)), nil
	}
	return json.Marshal(r.Token)
}

// UnmarshalJSON accepts a JSON number (serial) or string (serial digits or token).
func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := ParseRef(s)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("domain: ref must be a number or string: %w", err)
	}
	*r = SerialRef(n)
	return nil
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}

// Query is one question about a (scene, keyframe) location. Question overrides
// the dataset's question text when set; the ground truth still comes from the
// addressed QA pair.
type Query struct {
	Scene    Ref      `json:"scene"`
	Keyframe Ref      `json:"keyframe"`
	Category Category `json:"category"`
	Serial   int      `json:"serial"`
	Question string   `json:"question,omitempty"`
}
