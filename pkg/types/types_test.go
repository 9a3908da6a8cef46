package types

import "testing"

func TestOrderStatusIsTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		StatusFilled:          true,
		StatusCanceled:        true,
		StatusExpired:         true,
		StatusAccepted:        false,
		StatusNew:             false,
		StatusPartiallyFilled: false,
		StatusPendingNew:      false,
		StatusPendingCancel:   false,
		OrderStatus("WEIRD"):  false,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestOrderStatusIsRecognizedNonTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		StatusAccepted:        true,
		StatusNew:             true,
		StatusPendingNew:      true,
		StatusPartiallyFilled: true,
		StatusPendingCancel:   true,
		StatusFilled:          false,
		StatusCanceled:        false,
		StatusExpired:         false,
		OrderStatus("WEIRD"):  false,
	}
	for status, want := range cases {
		if got := status.IsRecognizedNonTerminal(); got != want {
			t.Errorf("%s.IsRecognizedNonTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestUnknownStatusIsNeitherTerminalNorRecognized(t *testing.T) {
	s := OrderStatus("REJECTED_BY_EXCHANGE")
	if s.IsTerminal() {
		t.Error("unknown status reported as terminal")
	}
	if s.IsRecognizedNonTerminal() {
		t.Error("unknown status reported as recognized non-terminal")
	}
}
