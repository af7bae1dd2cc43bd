// Package sched is the scheduling core: the task registry, the state
// machine, the tick loop, and per-invocation dispatch.
//
// Design notes:
//   - One loop goroutine owns timing. It never executes task bodies; each
//     due task runs on its own goroutine under a supervisor.
//   - The registry mutex serializes every read/write of task state. Critical
//     sections are short (select due tasks, apply a transition) and are never
//     held across a task invocation.
//   - Control operations (Pause/Resume/Stop/Edit) wake the loop so a sleeping
//     timer never delays the effect of a control call.
//   - Task failures are captured per invocation and never reach the loop;
//     the only thing that terminates the loop is an explicit shutdown.
package sched
