package sketch

import "runtime"

// cpuBackoff gives other goroutines contending on the same counter word a
// chance to make progress without fully yielding the OS thread.
func cpuBackoff() {
	runtime.Gosched()
}

// osYield is called once, when a single CAS loop reaches casYieldAfter
// retries. It currently does the same as cpuBackoff (runtime.Gosched).
func osYield() {
	runtime.Gosched()
}
