package dispatch

import (
	"os"

	"github.com/pkg/errors"

	"github.com/djeday123/gometal/core"
)

// DefaultSlowDispatchEnv is the variable that selects host-side dispatch.
const DefaultSlowDispatchEnv = "TT_METAL_SLOW_DISPATCH_MODE"

// RequireSlowDispatch fails with ErrEnvironment unless envVar is set.
func RequireSlowDispatch(envVar string) error {
	if envVar == "" {
		envVar = DefaultSlowDispatchEnv
	}
	if _, ok := os.LookupEnv(envVar); !ok {
		return errors.Wrapf(core.ErrEnvironment, "%s must be set: only slow dispatch is supported", envVar)
	}
	return nil
}
