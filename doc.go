// Package asyncio provides a single-threaded, cooperative event loop with
// readiness-based I/O multiplexing, future/task primitives driven by
// coroutine-style suspension, and non-blocking stream, TLS, datagram, and
// pipe transports bound to user-supplied protocol callbacks.
//
// # Event Loop
//
// The loop dispatches ready callbacks, timer callbacks, signal handlers,
// and I/O readiness callbacks from a single goroutine:
//
//	loop, err := asyncio.NewEventLoop()
//	if err != nil {
//	    return err
//	}
//	defer loop.Close()
//
//	loop.CallSoon(func() { fmt.Println("hello") })
//	loop.CallLater(time.Second, loop.Stop)
//	loop.RunForever()
//
// All callbacks, futures, tasks, and protocol methods run on the loop
// goroutine. From any other goroutine only [EventLoop.CallSoonThreadsafe]
// is legal; it enqueues the callback and interrupts the poller promptly.
//
// # Futures and Tasks
//
// A [Future] is a single-assignment result cell with completion callbacks.
// A [Task] drives a [Coroutine] to completion, suspending it at each
// [Coro.Await] until the awaited future settles:
//
//	task := loop.NewTask(func(c *asyncio.Coro) (any, error) {
//	    if _, err := c.Await(asyncio.Sleep(loop, 100*time.Millisecond)); err != nil {
//	        return nil, err
//	    }
//	    return "done", nil
//	})
//	result, err := loop.RunUntilComplete(task)
//
// # Transports and Protocols
//
// Transports are readiness callbacks that move bytes between a file
// descriptor and a protocol. See [EventLoop.CreateConnection],
// [EventLoop.StartServing], and [EventLoop.CreateDatagramEndpoint].
//
// # Platform Support
//
// The readiness multiplexer is selected at build time: epoll on Linux,
// kqueue on Darwin/BSD, poll(2) on other Unix platforms. See
// selector_linux.go, selector_darwin.go and selector_poll.go.
package asyncio
