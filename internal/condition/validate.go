package condition

import (
	"errors"
	"fmt"

	"github.com/ignite/flow-engine/internal/domain"
)

// ErrInvalidCondition is returned by Validate for a malformed condition.
var ErrInvalidCondition = errors.New("invalid condition")

var knownOperators = map[domain.Operator]bool{
	domain.OpEquals:       true,
	domain.OpNotEquals:    true,
	domain.OpContains:     true,
	domain.OpNotContains:  true,
	domain.OpStartsWith:   true,
	domain.OpEndsWith:     true,
	domain.OpGreaterThan:  true,
	domain.OpLessThan:     true,
	domain.OpGreaterEqual: true,
	domain.OpLessEqual:    true,
	domain.OpIn:           true,
	domain.OpNotIn:        true,
	domain.OpBetween:      true,
	domain.OpIsNull:       true,
	domain.OpIsNotNull:    true,
}

// KnownOperator reports whether op is one the evaluator understands.
func KnownOperator(op domain.Operator) bool {
	return knownOperators[op]
}

// Validate checks the shape of a condition ahead of evaluation so that a bad
// definition can be rejected when it is loaded. Evaluate stays fail-closed
// regardless of whether Validate was called.
func Validate(c domain.Condition) error {
	if c.Field == "" {
		return fmt.Errorf("%w: field is required", ErrInvalidCondition)
	}
	if !KnownOperator(c.Operator) {
		return fmt.Errorf("%w: unknown operator %q on %s", ErrInvalidCondition, c.Operator, c.Field)
	}

	switch c.Operator {
	case domain.OpIn, domain.OpNotIn:
		if _, ok := toList(c.Value); !ok {
			return fmt.Errorf("%w: %s on %s needs a list value", ErrInvalidCondition, c.Operator, c.Field)
		}
	case domain.OpBetween:
		bounds, ok := toList(c.Value)
		if !ok || len(bounds) != 2 {
			return fmt.Errorf("%w: between on %s needs exactly two values", ErrInvalidCondition, c.Field)
		}
	case domain.OpIsNull, domain.OpIsNotNull:
	default:
		if c.Value == nil {
			return fmt.Errorf("%w: %s on %s needs a value", ErrInvalidCondition, c.Operator, c.Field)
		}
	}
	return nil
}

// ValidateAll returns the first validation error in conditions, if any.
func ValidateAll(conditions []domain.Condition) error {
	for i, c := range conditions {
		if err := Validate(c); err != nil {
			return fmt.Errorf("condition %d: %w", i+1, err)
		}
	}
	return nil
}
