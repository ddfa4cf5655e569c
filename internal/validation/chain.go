package validation

import (
	"github.com/dharsanguruparan/vaultgate/internal/file"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
)

// Chain runs validators in registration order and merges their outcomes.
// Registering a validator under a name already present replaces it in place.
type Chain struct {
	validators       []Validator
	index            map[string]int
	stopOnFirstError bool
	logger           logging.Logger
}

var _ Validator = (*Chain)(nil)

// NewChain creates an empty chain. With stopOnFirstError set, validators after
// the first failing one are not invoked.
func NewChain(stopOnFirstError bool, logger logging.Logger) *Chain {
	return &Chain{
		index:            make(map[string]int),
		stopOnFirstError: stopOnFirstError,
		logger:           logging.OrNop(logger),
	}
}

// Add appends v, or replaces the validator registered under the same name.
func (c *Chain) Add(v Validator) *Chain {
	if i, ok := c.index[v.Name()]; ok {
		c.validators[i] = v
		return c
	}
	c.index[v.Name()] = len(c.validators)
	c.validators = append(c.validators, v)
	return c
}

// Remove drops the validator registered under name, if any.
func (c *Chain) Remove(name string) *Chain {
	i, ok := c.index[name]
	if !ok {
		return c
	}
	c.validators = append(c.validators[:i], c.validators[i+1:]...)
	delete(c.index, name)
	for j := i; j < len(c.validators); j++ {
		c.index[c.validators[j].Name()] = j
	}
	return c
}

// Get returns the validator registered under name.
func (c *Chain) Get(name string) (Validator, bool) {
	i, ok := c.index[name]
	if !ok {
		return nil, false
	}
	return c.validators[i], true
}

// Names lists registered validator names in run order.
func (c *Chain) Names() []string {
	out := make([]string, 0, len(c.validators))
	for _, v := range c.validators {
		out = append(out, v.Name())
	}
	return out
}

// Len returns the number of registered validators.
func (c *Chain) Len() int { return len(c.validators) }

// Name implements Validator.
func (c *Chain) Name() string { return "chain" }

// Validate runs the chain.
func (c *Chain) Validate(f *file.Handle) *Outcome {
	result := Success(nil)
	c.logger.Log(logging.LevelDebug, "starting validation chain", "filename", f.Name(), "validators", len(c.validators))

	for _, v := range c.validators {
		out := v.Validate(f)
		result.Merge(out)
		if out != nil && !out.Valid() {
			c.logger.Log(logging.LevelWarn, "validator failed",
				"validator", v.Name(), "filename", f.Name(), "error", out.FirstError())
			if c.stopOnFirstError {
				break
			}
			continue
		}
		c.logger.Log(logging.LevelDebug, "validator passed", "validator", v.Name())
	}

	if result.Valid() {
		c.logger.Log(logging.LevelInfo, "file passed all validations", "filename", f.Name())
	} else {
		c.logger.Log(logging.LevelWarn, "file failed validation", "filename", f.Name(), "errors", len(result.Errors))
	}
	return result
}
