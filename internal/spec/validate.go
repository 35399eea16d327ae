package spec

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/distribution/reference"
	"github.com/go-playground/validator/v10"
)

// ErrInvalidSpec marks caller errors in a desired spec. Never retried.
var ErrInvalidSpec = errors.New("invalid spec")

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	// Docker's accepted container name charset.
	containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	envKeyPattern        = regexp.MustCompile(`^[^=\x00]+$`)
)

// ValidationError lists every rule a spec violates.
type ValidationError struct {
	Name   string
	Fields []string
}

func (e *ValidationError) Error() string {
	name := e.Name
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("spec %q: %s", name, strings.Join(e.Fields, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidSpec }

// Validate checks s for structural errors. The returned error wraps
// ErrInvalidSpec.
func Validate(s DesiredSpec) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}
	out := &ValidationError{Name: s.Name}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, describeFieldError(fe))
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "DesiredSpec.")
	switch fe.Tag() {
	case "required", "required_unless":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "container_name":
		return fmt.Sprintf("%s %q is not a valid container name", field, fe.Value())
	case "image_ref":
		return fmt.Sprintf("%s %q is not a valid image reference", field, fe.Value())
	case "env_key":
		return fmt.Sprintf("%s has invalid environment key %q", field, fe.Value())
	case "unique_host_ports":
		return field + " publishes the same host port twice"
	case "unique":
		return field + " mounts the same target twice"
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("container_name", func(fl validator.FieldLevel) bool {
			return containerNamePattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("image_ref", func(fl validator.FieldLevel) bool {
			_, err := reference.ParseNormalizedNamed(fl.Field().String())
			return err == nil
		})

		_ = v.RegisterValidation("env_key", func(fl validator.FieldLevel) bool {
			return envKeyPattern.MatchString(fl.Field().String())
		})

		_ = v.RegisterValidation("unique_host_ports", func(fl validator.FieldLevel) bool {
			ports, ok := fl.Field().Interface().([]PortBinding)
			if !ok {
				return false
			}
			seen := make(map[string]struct{}, len(ports))
			for _, p := range ports {
				if p.HostPort == 0 {
					continue
				}
				proto := p.Protocol
				if proto == "" {
					proto = ProtocolTCP
				}
				key := fmt.Sprintf("%s:%d/%s", CanonicalHostIP(p.HostIP), p.HostPort, proto)
				if _, dup := seen[key]; dup {
					return false
				}
				seen[key] = struct{}{}
			}
			return true
		})

		validateInst = v
	})

	return validateInst
}
