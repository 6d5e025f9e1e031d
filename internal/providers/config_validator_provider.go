package providers

import (
	"fmt"

	"evmigrate/internal/structures"

	"github.com/gookit/validate"
)

type CnfValidator struct {
	conf *structures.Config
}

func NewCnfValidator(conf *structures.Config) *CnfValidator {
	return &CnfValidator{conf: conf}
}

func (c *CnfValidator) Validate() error {
	v := validate.Struct(c.conf)
	if !v.Validate() {
		return fmt.Errorf("invalid configuration: %s", v.Errors.One())
	}

	r := c.conf.Readiness
	if r.SpaceMultiplier < 1 {
		return fmt.Errorf("invalid configuration: readiness.spaceMultiplier must be >= 1, got %v", r.SpaceMultiplier)
	}
	if r.MaxMalformedRatio < 0 || r.MaxMalformedRatio > 1 {
		return fmt.Errorf("invalid configuration: readiness.maxMalformedRatio must be within [0, 1], got %v", r.MaxMalformedRatio)
	}
	if c.conf.Performance.QueryBudget <= 0 {
		return fmt.Errorf("invalid configuration: performance.queryBudget must be positive")
	}
	if c.conf.Cache.Enabled && c.conf.Cache.Size <= 0 {
		return fmt.Errorf("invalid configuration: cache.size must be positive when the cache is enabled")
	}
	return nil
}
