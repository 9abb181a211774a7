package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	if cfg.Stats.Enabled && cfg.Stats.Port == "" {
		return errors.New("stats: port is required when stats are enabled")
	}
	if cfg.Plugin.HardQueueLimit > 0 && cfg.Plugin.HardThreads == 0 {
		return errors.New("plugin: hard_queue_limit is set but there are no hard threads")
	}
	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
