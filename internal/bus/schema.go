package bus

import "fmt"

// Schema validates a decoded payload before publish. Implementations mirror
// the original fleet's MESSAGE_SCHEMAS table: a set of required fields plus,
// for enum-like fields, an allowed-values check.
type Schema interface {
	Validate(payload map[string]any) error
}

// ValidationError is returned to the caller of Publish when a payload fails
// schema validation. Per §4.1, validation failures on publish are errors to
// the caller, never silent drops.
type ValidationError struct {
	Channel string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("bus: invalid payload for channel %s: %s", e.Channel, e.Reason)
}

func requireFields(payload map[string]any, fields ...string) error {
	for _, f := range fields {
		v, ok := payload[f]
		if !ok || v == nil {
			return fmt.Errorf("missing required field %q", f)
		}
	}
	return nil
}

func requireString(payload map[string]any, field string) (string, error) {
	v, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing required field %q", field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q must be a string", field)
	}
	return s, nil
}

type registrationSchema struct{}

func (registrationSchema) Validate(payload map[string]any) error {
	action, err := requireString(payload, "action")
	if err != nil {
		return err
	}
	if action != "subscribe" && action != "unsubscribe" {
		return fmt.Errorf("action must be one of subscribe|unsubscribe, got %q", action)
	}
	if err := requireFields(payload, "ticker"); err != nil {
		return err
	}
	return nil
}

type tickerUpdateSchema struct{}

func (tickerUpdateSchema) Validate(payload map[string]any) error {
	kind, err := requireString(payload, "type")
	if err != nil {
		return err
	}
	switch kind {
	case "price":
		return requireFields(payload, "timestamp", "price", "symbol")
	case "order":
		return requireFields(payload, "timestamp", "symbol", "order_data")
	default:
		return fmt.Errorf("type must be one of price|order, got %q", kind)
	}
}

type profitReportSchema struct{}

func (profitReportSchema) Validate(payload map[string]any) error {
	return requireFields(payload, "symbol", "total", "unrealized", "realized", "timestamp")
}
