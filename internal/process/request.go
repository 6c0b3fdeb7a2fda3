package process

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/procflow/pkg/schema"
)

// WithdrawRequest asks to undo the last transition of a process instance
// and re-enter TaskDefKey.
type WithdrawRequest struct {
	ProcessInstanceID string `json:"process_instance_id" validate:"required"`
	TaskID            string `json:"task_id" validate:"required"`
	TaskDefKey        string `json:"task_def_key" validate:"required"`
	Actor             string `json:"actor,omitempty"`
	Reason            string `json:"reason,omitempty" validate:"max=1024"`
}

// RollbackRequest asks to reject the task at TaskDefKey and resume at the
// activity chosen by RejectType. RejectType is checked by the rollback
// policy parser, not by struct tags, so its errors carry their own messages.
type RollbackRequest struct {
	ProcessInstanceID string `json:"process_instance_id" validate:"required"`
	TaskID            string `json:"task_id" validate:"required"`
	TaskDefKey        string `json:"task_def_key" validate:"required"`
	RejectType        string `json:"reject_type"`
	ToActivityID      string `json:"to_activity_id,omitempty"`
	Actor             string `json:"actor,omitempty"`
	Reason            string `json:"reason,omitempty" validate:"max=1024"`
}

// StartRequest starts a process instance. ProcessDefID wins over ProcessDefKey.
type StartRequest struct {
	ProcessDefID  string         `json:"process_def_id,omitempty"`
	ProcessDefKey string         `json:"process_def_key,omitempty" validate:"required_without=ProcessDefID"`
	BusinessKey   string         `json:"business_key,omitempty" validate:"max=255"`
	Starter       string         `json:"starter" validate:"required"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// CompleteTaskRequest completes an open user task.
type CompleteTaskRequest struct {
	TaskID    string         `json:"task_id" validate:"required"`
	Actor     string         `json:"actor" validate:"required"`
	Variables map[string]any `json:"variables,omitempty"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invalidRequest turns validator errors into one INVALID_INPUT error
// naming every failing field.
func invalidRequest(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return schema.NewError(schema.ErrCodeInvalidInput, err.Error()).WithCause(err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			fields = append(fields, fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return schema.NewErrorf(schema.ErrCodeInvalidInput, "invalid request: %s", strings.Join(fields, "; ")).
		WithDetails(map[string]any{"fields": fields})
}
