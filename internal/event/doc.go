// Package event provides a synchronous pub-sub bus the orchestrator uses to
// report progress to observers such as the CLI.
//
// Events are a side channel. Publishing never fails, a nil *Bus drops events,
// and a panicking handler is logged and skipped, so no observer can affect
// scheduling.
//
// # Event Types
//
// Event types follow the pattern "category.action":
//   - run.started, run.finished
//   - wave.started, wave.completed
//   - step.started, step.completed, step.verified, step.failed
//   - conflict.opened, conflict.resolved
//   - plan.revised
//   - overlap.detected
//   - deploy.finished
//
// # Basic Usage
//
//	bus := event.NewBus(logger)
//
//	bus.Subscribe(event.TypeStepVerified, func(e event.Event) {
//	    v := e.(event.StepVerifiedEvent)
//	    fmt.Printf("step %d verified\n", v.Step)
//	})
//
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("%s at %v", e.EventType(), e.Timestamp())
//	})
package event
