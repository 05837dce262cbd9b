package orchestrator

import (
	"errors"
	"net/url"
	"reflect"
	"strings"

	"github.com/andrej220/saltdispatch/internal/saltapi"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/go-playground/validator/v10"
)

// Request is one command to run on one minion.
type Request struct {
	Endpoint string `json:"endpoint" validate:"required,saltendpoint"`
	Function string `json:"function" validate:"required"`
	Eauth    string `json:"eauth" validate:"required"`
	Username string `json:"user" validate:"required"`
	Password string `json:"password" validate:"required"`
	Target   string `json:"node" validate:"required"`
	// Secrets are masked in logs only; they never change what is sent.
	Secrets map[string]string `json:"-"`
}

var validate = validator.New()

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("saltendpoint", validateEndpoint)
}

// validateEndpoint accepts absolute http and https URLs with a host.
func validateEndpoint(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Validate reports the first missing argument as ARGUMENTS_MISSING, or an
// unusable endpoint or command as ARGUMENTS_INVALID. Missing arguments are
// reported before invalid ones.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return validationFailure(err)
	}
	if _, _, err := saltapi.ParseCommand(r.Function); err != nil {
		return err
	}
	return nil
}

func validationFailure(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return failure.Wrap(failure.ArgumentsInvalid, err, "invalid request")
	}
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			return failure.New(failure.ArgumentsMissing, fe.Field()+" is required")
		}
	}
	fe := verrs[0]
	if fe.Tag() == "saltendpoint" {
		return failure.Newf(failure.ArgumentsInvalid, "%v is not a valid endpoint", fe.Value())
	}
	return failure.Newf(failure.ArgumentsInvalid, "%s failed %s validation", fe.Field(), fe.Tag())
}
