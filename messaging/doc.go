// Package messaging implements the halcore message bus.
//
// A Dispatcher holds a fixed, ordered list of modules and delivers every
// message it is given to all of them, in registration order, from a single
// scheduling goroutine:
//   - Message: a typed, validated payload with a reference count armed at
//     delivery and counted down by modules with RefDecrement
//   - Module: the interface every component implements, with optional
//     ResponseHandler and ErrorHandler capabilities for message sources
//   - Dispatcher: the pending queue, the in-flight set and the scheduling loop
//
// Once every module has finished with a message its finalizer runs, then the
// responses and errors modules attached are handed to the module that sent
// it. A sync message is a barrier: it waits until nothing is in flight, and
// nothing else is delivered until it completes. Messages enqueued from a
// finalizer are delivered next, which lets a chain of sync messages run as a
// strict sequence:
//
//	reg := schema.NewRegistry()
//	_ = messaging.RegisterCoreMessages(reg)
//
//	d := messaging.NewDispatcher(messaging.WithRegistry(reg))
//	_ = d.SetModules(settingsModule, stageModule)
//	_ = d.Start(ctx)
//
//	second := messaging.MustNewMessage(reg, contracts.Configure2, contracts.Core, nil, messaging.WithSync())
//	first := messaging.MustNewMessage(reg, contracts.Configure1, contracts.Core,
//		map[string]any{contracts.KeyModuleNames: []string{"settings", "stage"}},
//		messaging.WithSync(),
//		messaging.WithFinalizer(func() { _ = d.Enqueue(second) }))
//	_ = d.Enqueue(first)
//
// A sync message of type contracts.Shutdown tears every module down in
// reverse order and halts the dispatcher.
package messaging
