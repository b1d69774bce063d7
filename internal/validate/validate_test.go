package validate_test

import (
	"errors"
	"testing"

	"harvester/internal/validate"
)

type sample struct {
	Name  string `json:"name" validate:"required,max=8"`
	Count int    `json:"count" validate:"gte=0,lte=3"`
	Skip  string `json:"-"`
}

func TestStructReportsJSONNames(t *testing.T) {
	v := validate.New()
	err := v.Struct(sample{Count: 5})
	var fields validate.FieldErrors
	if !errors.As(err, &fields) {
		t.Fatalf("expected FieldErrors, got %T %v", err, err)
	}
	if fields["name"] != "name is required" {
		t.Fatalf("name message = %q", fields["name"])
	}
	if fields["count"] != "count must be less than or equal to 3" {
		t.Fatalf("count message = %q", fields["count"])
	}
	if got := err.Error(); got != "count must be less than or equal to 3; name is required" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestStructAcceptsValid(t *testing.T) {
	if err := validate.New().Struct(sample{Name: "ok", Count: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
