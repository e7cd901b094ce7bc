// Package pump drives a single outstanding request against an otherwise
// asynchronous block interface on behalf of a caller that cannot itself
// suspend: a bounded loop that keeps nudging the underlying transport
// until there's something to report.
package pump

// Scheduler advances whatever asynchronous machinery underlies a Pump by
// one tick. A Step call should make a bounded amount of progress (poll a
// socket, fire due timers, run ready completion callbacks) and return
// promptly; Pump calls it in a loop until a condition it's waiting on
// becomes true or the deadline passes.
//
// This is the cooperative-scheduling half of the design: nothing outside
// a Pump.Run call is ever suspended, so Step is the only place where the
// "firmware-synchronous" world and the asynchronous transport world meet.
type Scheduler interface {
	Step()
}

// FuncScheduler adapts a plain function to the Scheduler interface.
type FuncScheduler func()

func (f FuncScheduler) Step() { f() }
