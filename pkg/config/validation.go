package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against its struct tags plus the
// cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var errs validator.ValidationErrors
		if errors.As(err, &errs) {
			msgs := make([]string, 0, len(errs))
			for _, fe := range errs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("%s", strings.Join(msgs, "; "))
		}
		return err
	}

	if err := cfg.Worker.Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if cfg.Supervisor.MinWorkers > cfg.Supervisor.MaxWorkers {
		return fmt.Errorf("supervisor: min_workers %d exceeds max_workers %d",
			cfg.Supervisor.MinWorkers, cfg.Supervisor.MaxWorkers)
	}
	if cfg.Supervisor.TargetWorkers > cfg.Supervisor.MaxWorkers {
		return fmt.Errorf("supervisor: target_workers %d exceeds max_workers %d",
			cfg.Supervisor.TargetWorkers, cfg.Supervisor.MaxWorkers)
	}
	if cfg.Target.UseWebsocket && cfg.Worker.UseSymlinks {
		return fmt.Errorf("target: websocket uploads cannot carry symlink references")
	}
	return nil
}

// describeFieldError renders one validation failure in config-file terms.
func describeFieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.StructNamespace())
	field = strings.TrimPrefix(field, "config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
