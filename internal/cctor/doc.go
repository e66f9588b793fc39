// Package cctor runs type initializers exactly once, before first use, while
// many threads compile and call methods concurrently.
//
// The method compiler talks to a Manager at three points. BeginCompiling
// opens a Compilation for the method being prepared; OnStaticCall and
// OnStaticFieldAccess queue the owner types whose initializers must run
// before that method may be called; Finish either publishes the compiled
// entry straight away or locks the method, runs the queued initializers
// under the manager's initializer lock and then publishes it.
//
// Other threads that reach a locked method call HandleIfLocked. The owner of
// the lock gets the payload back at once. A thread that is itself running
// initializers runs the method's queued initializers inline instead of
// blocking, which breaks the cycle that would otherwise deadlock. Everyone
// else waits for the owner to finish.
//
// A failed initializer leaves its type NotStarted, so the next attempt runs
// it again. Every party waiting on the failed attempt receives a
// *TypeInitError wrapping the original failure.
package cctor
