package synthesis

import (
	"errors"
	"testing"
)

func TestValidateConditionAccepts(t *testing.T) {
	valid := []string{
		"parameters.query != null",
		"wiring.0.count > 10",
		"parameters.mode == 'fast' || parameters.mode == 'slow'",
		`parameters.name == "value"`,
		"(parameters.a == 1) && !(wiring.1.ok == false)",
		"parameters.threshold <= 3.5",
		"wiring.2.status.code >= -1",
	}

	for _, expr := range valid {
		if err := ValidateCondition(expr); err != nil {
			t.Errorf("ValidateCondition(%q) = %v, want nil", expr, err)
		}
	}
}

func TestValidateConditionRejects(t *testing.T) {
	invalid := []string{
		"",
		"parameters.a",
		"len(parameters.a) > 0",
		"parameters.a == ",
		"foo.bar == 1",
		"(parameters.a == 1",
		"parameters.a = 1",
		"parameters.a == 1 extra",
		"wiring.x.field == 1",
	}

	for _, expr := range invalid {
		err := ValidateCondition(expr)
		if err == nil {
			t.Errorf("ValidateCondition(%q) = nil, want error", expr)

			continue
		}

		if !errors.Is(err, ErrSchemaInvalid) {
			t.Errorf("ValidateCondition(%q) = %v, want ErrSchemaInvalid", expr, err)
		}
	}
}
