package broadcast

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"broadcastd/internal/model"
)

// CreateRequest is the operator input of Create.
type CreateRequest struct {
	CreatedBy    string
	TargetGroup  model.TargetGroup
	TargetFilter model.Filter
	Message      model.Message
	// Channel defaults to inapp, EventType to announcement.
	Channel     model.Channel
	EventType   model.EventType
	ScheduledAt *time.Time
}

type createInput struct {
	CreatedBy   string `validate:"max=128"`
	TargetGroup string `validate:"required,target_group"`
	Subject     string `validate:"max=256"`
	Body        string `validate:"required,max=65536"`
	Channel     string `validate:"required,oneof=email telegram inapp"`
	EventType   string `validate:"required,oneof=announcement feedback reminder"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("target_group", func(fl validator.FieldLevel) bool {
		return model.TargetGroup(fl.Field().String()).Valid()
	})
	return v
}

// normalize trims the request, applies defaults and validates it.
func normalize(v *validator.Validate, req CreateRequest) (CreateRequest, error) {
	req.CreatedBy = strings.TrimSpace(req.CreatedBy)
	req.TargetGroup = model.TargetGroup(strings.ToUpper(strings.TrimSpace(string(req.TargetGroup))))
	req.Message.Subject = strings.TrimSpace(req.Message.Subject)
	if strings.TrimSpace(req.Message.Body) == "" {
		req.Message.Body = ""
	}
	if req.Channel == "" {
		req.Channel = model.ChannelInApp
	}
	if req.EventType == "" {
		req.EventType = model.EventAnnouncement
	}

	in := createInput{
		CreatedBy:   req.CreatedBy,
		TargetGroup: string(req.TargetGroup),
		Subject:     req.Message.Subject,
		Body:        req.Message.Body,
		Channel:     string(req.Channel),
		EventType:   string(req.EventType),
	}
	if err := v.Struct(&in); err != nil {
		return req, newValidationError(err)
	}

	if req.TargetGroup == model.TargetCustom {
		if ids, ok := req.TargetFilter["ids"]; !ok || isEmpty(ids) {
			return req, newValidationError(nil, "TargetFilter.ids is required for CUSTOM")
		}
	}
	if _, err := model.EncodeFilter(req.TargetFilter); err != nil {
		return req, newValidationError(err, "TargetFilter is invalid")
	}
	return req, nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []string:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}
