package contract

import (
	"errors"
	"testing"
)

func TestWorkItemValidate(t *testing.T) {
	t.Parallel()

	valid := WorkItem{TrackingID: "t-1", SessionKey: "s", QueryText: "ping"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cases := []WorkItem{
		{SessionKey: "s", QueryText: "ping"},
		{TrackingID: "t-1", QueryText: "ping"},
		{TrackingID: "t-1", SessionKey: "s", QueryText: "   "},
	}
	for i, item := range cases {
		if err := item.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: Validate() error = %v, want ErrValidation", i, err)
		}
	}
}

func TestDestinationClassValid(t *testing.T) {
	t.Parallel()

	for _, c := range DestinationClasses {
		if !c.Valid() {
			t.Fatalf("%q should be valid", c)
		}
	}
	if DestinationClass("marketing").Valid() {
		t.Fatal("unknown class should be invalid")
	}
}

func TestDeliveryResultTerminal(t *testing.T) {
	t.Parallel()

	if !DeliverySuccess.Terminal() || !DeliveryTerminalFailure.Terminal() {
		t.Fatal("success and terminal_failure must be terminal")
	}
	if DeliveryRetryableFailure.Terminal() {
		t.Fatal("retryable_failure must not be terminal")
	}
}
