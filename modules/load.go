package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Masterminds/semver/v3"
	"github.com/glimte/halcore/config"
	"github.com/glimte/halcore/internal/logging"
	"github.com/glimte/halcore/messaging"
)

var (
	// ErrUnknownFactory is returned when a setup names a factory nobody registered.
	ErrUnknownFactory = errors.New("modules: unknown factory")
	// ErrIncompatibleAPI is returned when a factory does not support CoreAPIVersion.
	ErrIncompatibleAPI = errors.New("modules: incompatible module API version")
	// ErrNameMismatch is returned when a constructed module reports another name than configured.
	ErrNameMismatch = errors.New("modules: module name does not match setup")
)

// LoadError reports which module of a setup could not be loaded.
type LoadError struct {
	Module  string
	Factory string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load module %q (factory %q): %v", e.Module, e.Factory, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load builds the modules listed in setup, in order. base supplies the
// registry, the send function, the shared store and the logger; Name and
// Spec are filled in per module. If any module fails, the ones already
// built are torn down in reverse order.
func Load(ctx context.Context, reg *Registry, setup *config.Setup, base Env) ([]messaging.Module, error) {
	if base.Shared == nil {
		base.Shared = NewShared()
	}
	if base.Logger == nil {
		base.Logger = slog.Default()
	}

	core, err := semver.NewVersion(CoreAPIVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid core API version: %w", err)
	}

	built := make([]messaging.Module, 0, len(setup.Modules))
	fail := func(spec config.ModuleSpec, err error) ([]messaging.Module, error) {
		for i := len(built) - 1; i >= 0; i-- {
			built[i].Teardown()
		}
		return nil, &LoadError{Module: spec.Name, Factory: spec.Factory, Err: err}
	}

	for _, spec := range setup.Modules {
		if err := ctx.Err(); err != nil {
			return fail(spec, err)
		}

		factory, ok := reg.Lookup(spec.Factory)
		if !ok {
			return fail(spec, ErrUnknownFactory)
		}
		if err := checkAPIVersion(factory.APIVersion, core); err != nil {
			return fail(spec, err)
		}

		env := base
		env.Name = spec.Name
		env.Spec = spec
		env.Logger = logging.ForModule(base.Logger, spec.Name)

		mod, err := factory.Constructor(env)
		if err != nil {
			return fail(spec, err)
		}
		if mod.Name() != spec.Name {
			return fail(spec, fmt.Errorf("%w: got %q", ErrNameMismatch, mod.Name()))
		}

		base.Logger.Debug("loaded module",
			"module", spec.Name,
			"factory", spec.Factory,
		)
		built = append(built, mod)
	}
	return built, nil
}

func checkAPIVersion(constraint string, core *semver.Version) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%w: bad constraint %q: %v", ErrIncompatibleAPI, constraint, err)
	}
	if !c.Check(core) {
		return fmt.Errorf("%w: core %s does not satisfy %q", ErrIncompatibleAPI, core, constraint)
	}
	return nil
}
