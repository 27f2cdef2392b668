// Package validation schema-checks and sanitizes inbound event payloads
// before they reach the command handlers.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// DefaultMaxPayloadBytes bounds the raw size of an inbound payload.
const DefaultMaxPayloadBytes = 16 * 1024

const (
	maxFilterKeyLen      = 64
	maxFilterValueLength = 256
)

var (
	roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`)
	entityPattern   = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// Result is the outcome of validating one inbound event. Data always holds
// the best-effort sanitized payload, even when the event is invalid.
type Result struct {
	Valid   bool
	Command Command
	Data    map[string]any
	Errors  []string
}

// Err returns the validation failure as an error wrapping
// realtime.ErrValidation, or nil for a valid result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", realtime.ErrValidation, strings.Join(r.Errors, "; "))
}

// Validator checks inbound events against per-event schemas.
type Validator struct {
	validate        *validator.Validate
	maxPayloadBytes int
}

// New creates a Validator. maxPayloadBytes <= 0 uses DefaultMaxPayloadBytes.
func New(maxPayloadBytes int) *Validator {
	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("roomname", func(fl validator.FieldLevel) bool {
		return roomNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("entity", func(fl validator.FieldLevel) bool {
		return entityPattern.MatchString(fl.Field().String())
	})
	return &Validator{validate: v, maxPayloadBytes: maxPayloadBytes}
}

// Struct checks s against its validate tags, including the roomname and
// entity rules. Failures wrap realtime.ErrValidation.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", realtime.ErrValidation, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", realtime.ErrValidation, strings.Join(msgs, "; "))
}

// Validate checks raw against the schema registered for eventName. It never
// panics; unexpected failures during sanitization yield an invalid result.
func (v *Validator) Validate(eventName string, raw json.RawMessage) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Valid: false, Data: res.Data, Errors: []string{"payload could not be processed"}}
		}
	}()

	if len(raw) > v.maxPayloadBytes {
		return invalid(nil, fmt.Sprintf("payload exceeds %d bytes", v.maxPayloadBytes))
	}

	var decoded any = map[string]any{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return invalid(nil, "payload is not valid JSON")
		}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return invalid(nil, "payload must be a JSON object")
	}
	data, _ := sanitizeValue(obj, 0).(map[string]any)

	var cmd Command
	switch eventName {
	case realtime.EventRoomJoin:
		cmd = &JoinRoom{}
	case realtime.EventRoomLeave:
		cmd = &LeaveRoom{}
	case realtime.EventDataSubscribe:
		cmd = &Subscribe{}
	case realtime.EventNotificationRead:
		cmd = &MarkRead{}
	case realtime.EventUserTyping:
		cmd = &SendTyping{}
	default:
		return invalid(data, fmt.Sprintf("unknown event %q", SanitizeString(eventName)))
	}

	if err := decodeInto(data, cmd); err != nil {
		return invalid(data, err.Error())
	}
	if errs := v.check(cmd); len(errs) > 0 {
		return invalid(data, errs...)
	}
	return Result{Valid: true, Command: deref(cmd), Data: data}
}

func (v *Validator) check(cmd Command) []string {
	var errs []string
	if err := v.validate.Struct(cmd); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				errs = append(errs, describe(fe))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}
	if sub, ok := cmd.(*Subscribe); ok {
		errs = append(errs, checkFilters(sub.Filters)...)
	}
	return errs
}

// checkFilters allows flat filters of scalar values only.
func checkFilters(filters map[string]any) []string {
	var errs []string
	for k, val := range filters {
		if len(k) > maxFilterKeyLen {
			errs = append(errs, fmt.Sprintf("filters: key %q is too long", k[:16]+"..."))
			continue
		}
		switch typed := val.(type) {
		case string:
			if len(typed) > maxFilterValueLength {
				errs = append(errs, fmt.Sprintf("filters.%s: value is too long", k))
			}
		case float64, bool:
		default:
			errs = append(errs, fmt.Sprintf("filters.%s: must be a string, number or boolean", k))
		}
	}
	return errs
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s long", fe.Field(), fe.Param())
	case "roomname":
		return fmt.Sprintf("%s contains invalid characters", fe.Field())
	case "entity":
		return fmt.Sprintf("%s must be alphanumeric", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}

// decodeInto maps the sanitized payload onto the typed command. Type
// mismatches (e.g. a number where a string is expected) are reported here.
func decodeInto(data map[string]any, cmd Command) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("payload could not be encoded")
	}
	if err := json.Unmarshal(b, cmd); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return fmt.Errorf("%s must be of type %s", typeErr.Field, typeErr.Type.String())
		}
		return fmt.Errorf("payload does not match the %s schema", cmd.EventName())
	}
	return nil
}

func deref(cmd Command) Command {
	switch c := cmd.(type) {
	case *JoinRoom:
		return *c
	case *LeaveRoom:
		return *c
	case *Subscribe:
		return *c
	case *MarkRead:
		return *c
	case *SendTyping:
		return *c
	}
	return cmd
}

func invalid(data map[string]any, errs ...string) Result {
	return Result{Valid: false, Data: data, Errors: errs}
}
