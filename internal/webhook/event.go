package webhook

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"whoop-sync/internal/whoop"
)

// ErrMalformedPayload means the body is not a valid event envelope
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Event types
const (
	TypeRecoveryUpdated        = "recovery.updated"
	TypeRecoveryDeleted        = "recovery.deleted"
	TypeCycleUpdated           = "cycle.updated"
	TypeSleepUpdated           = "sleep.updated"
	TypeSleepDeleted           = "sleep.deleted"
	TypeWorkoutUpdated         = "workout.updated"
	TypeWorkoutDeleted         = "workout.deleted"
	TypeBodyMeasurementUpdated = "body_measurement.updated"
	TypeUserUpdated            = "user.updated"
)

// Text is a JSON scalar kept as its string form. Numbers and strings are
// both accepted since ids arrive as either.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*t = Text(n.String())
	return nil
}

// Event is the webhook envelope
type Event struct {
	ID        Text         `json:"id" validate:"required"`
	Type      string       `json:"type" validate:"required"`
	UserID    whoop.UserID `json:"user_id" validate:"required"`
	Timestamp Text         `json:"timestamp" validate:"required"`
	TraceID   string       `json:"trace_id,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// ParseEvent decodes and validates an envelope from the raw body
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if err := validate.Struct(&ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			missing := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				missing = append(missing, fe.Field())
			}
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return &ev, nil
}
