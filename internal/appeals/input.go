package appeals

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pitabwire/assessor/model"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CreateInput is the payload for filing a new appeal.
type CreateInput struct {
	PropertyID          string     `json:"property_id" validate:"required"`
	UserID              string     `json:"user_id" validate:"required"`
	AppealType          string     `json:"appeal_type" validate:"required,oneof=valuation classification exemption"`
	Reason              string     `json:"reason" validate:"required"`
	RequestedValue      *float64   `json:"requested_value,omitempty" validate:"omitempty,gte=0"`
	CurrentValue        *float64   `json:"current_value,omitempty" validate:"omitempty,gte=0"`
	EvidenceDescription string     `json:"evidence_description,omitempty"`
	AssignedTo          string     `json:"assigned_to,omitempty"`
	DateReceived        *time.Time `json:"date_received,omitempty"`
}

// Validate checks the input. A valuation appeal must carry a requested
// value.
func (in *CreateInput) Validate() error {
	var details []model.FieldError
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.NewBadRequestError(err.Error())
		}
		details = fieldErrors(verrs)
	}
	if in.AppealType == model.AppealTypeValuation && in.RequestedValue == nil {
		details = append(details, model.FieldError{
			Field:   "requested_value",
			Code:    "required",
			Message: "requested_value is required for valuation appeals",
		})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// DecisionInput is the payload for recording a decision.
type DecisionInput struct {
	Decision      string   `json:"decision" validate:"required,oneof=granted denied partial"`
	Reason        string   `json:"reason" validate:"required"`
	DecisionValue *float64 `json:"decision_value,omitempty" validate:"omitempty,gte=0"`
}

// Validate checks the decision payload.
func (in *DecisionInput) Validate() error {
	return structErrors(in)
}

// HearingInput is the payload for scheduling a hearing.
type HearingInput struct {
	HearingDate time.Time `json:"hearing_date" validate:"required"`
	Location    string    `json:"location" validate:"required"`
}

// Validate checks the hearing payload.
func (in *HearingInput) Validate() error {
	return structErrors(in)
}

func structErrors(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewBadRequestError(err.Error())
	}
	return model.NewValidationError(fieldErrors(verrs))
}

func fieldErrors(verrs validator.ValidationErrors) []model.FieldError {
	details := make([]model.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, model.FieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return details
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of: " + fe.Param()
	case "gte":
		return fe.Field() + " must be at least " + fe.Param()
	default:
		return fe.Field() + " is invalid"
	}
}
