package modules

import (
	"log/slog"

	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/schema"
)

// Bus is the part of the dispatcher the handshake needs.
type Bus interface {
	Enqueue(msg *messaging.Message) error
	Modules() []messaging.Module
}

// BootstrapOptions tunes the startup handshake.
type BootstrapOptions struct {
	ShowGUI bool
	Logger  *slog.Logger
	// OnStarted runs from the start message's finalizer, once every module
	// has handled it.
	OnStarted func()
}

// Bootstrap enqueues configure1. Its finalizer enqueues configure2, whose
// finalizer enqueues start, so every module sees the three phases in order
// and each phase completes everywhere before the next begins.
func Bootstrap(bus Bus, reg *schema.Registry, opts BootstrapOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mods := bus.Modules()
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name())
	}

	start, err := messaging.NewMessage(reg, contracts.Start, contracts.Core,
		map[string]any{contracts.KeyShowGUI: opts.ShowGUI},
		messaging.WithSync(),
		messaging.WithFinalizer(func() {
			logger.Info("startup complete", "modules", len(names))
			if opts.OnStarted != nil {
				opts.OnStarted()
			}
		}),
	)
	if err != nil {
		return err
	}

	configure2, err := messaging.NewMessage(reg, contracts.Configure2, contracts.Core, nil,
		messaging.WithSync(),
		messaging.WithFinalizer(func() { enqueueOrLog(bus, start, logger) }),
	)
	if err != nil {
		return err
	}

	configure1, err := messaging.NewMessage(reg, contracts.Configure1, contracts.Core,
		map[string]any{contracts.KeyModuleNames: names},
		messaging.WithSync(),
		messaging.WithFinalizer(func() { enqueueOrLog(bus, configure2, logger) }),
	)
	if err != nil {
		return err
	}

	return bus.Enqueue(configure1)
}

func enqueueOrLog(bus Bus, msg *messaging.Message, logger *slog.Logger) {
	if err := bus.Enqueue(msg); err != nil {
		logger.Error("startup handshake interrupted",
			"messageType", msg.Type(),
			"error", err,
		)
	}
}
