package plans

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const unlimitedLiteral = "unlimited"

// Quota is a generation ceiling: a non-negative limit or unlimited.
type Quota struct {
	Limit     int
	Unlimited bool
}

// Limited returns a finite quota of n generations.
func Limited(n int) Quota {
	if n < 0 {
		n = 0
	}
	return Quota{Limit: n}
}

// UnlimitedQuota never runs out.
var UnlimitedQuota = Quota{Unlimited: true}

// Remaining returns how many generations are left after used, never negative.
func (q Quota) Remaining(used int) Quota {
	if q.Unlimited {
		return UnlimitedQuota
	}
	left := q.Limit - used
	if left < 0 {
		left = 0
	}
	return Quota{Limit: left}
}

// Exhausted reports whether no generations remain.
func (q Quota) Exhausted() bool {
	return !q.Unlimited && q.Limit <= 0
}

func (q Quota) String() string {
	if q.Unlimited {
		return unlimitedLiteral
	}
	return strconv.Itoa(q.Limit)
}

// MarshalJSON renders the quota as a number or the string "unlimited".
func (q Quota) MarshalJSON() ([]byte, error) {
	if q.Unlimited {
		return json.Marshal(unlimitedLiteral)
	}
	return json.Marshal(q.Limit)
}

// UnmarshalJSON accepts a number or the string "unlimited".
func (q *Quota) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return q.parse(s)
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("quota must be a number or %q", unlimitedLiteral)
	}
	*q = Limited(n)
	return nil
}

// UnmarshalYAML accepts an integer, "unlimited", or -1 for unlimited.
func (q *Quota) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: quota must be a scalar", value.Line)
	}
	if err := q.parse(value.Value); err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	return nil
}

func (q *Quota) parse(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == unlimitedLiteral || s == "-1" {
		*q = UnlimitedQuota
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid quota %q", s)
	}
	*q = Limited(n)
	return nil
}
