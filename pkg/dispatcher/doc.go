// Package dispatcher runs the event loop that moves events between agents.
//
// Invariants:
//   - Events are processed one at a time in FIFO order.
//   - Every queued event carries a correlation id; events emitted by an agent
//     inherit the id of the event that triggered them.
//   - Events emitted during a batch wait for the next batch.
//   - A terminate event stops the loop without being routed.
//   - Agent errors and panics never stop the loop.
//
// Usage:
//
//	r := router.New()
//	r.AddRoute("Ping", agent.NewEcho("pong", "Ping", "Pong"))
//	d := dispatcher.New(dispatcher.Config{Router: r})
//	d.Start(ctx)
//	defer d.Stop()
//	d.Dispatch(event.Signal("cli", "Ping"))
//	_ = d.WaitForEmptyQueue(ctx, 5*time.Second)
package dispatcher
