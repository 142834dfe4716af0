// Package search defines the types and contracts shared by the queue, the
// orchestrator, the worker pool and the execution layer.
//
// The flow is: the orchestrator turns one logical query into rounds of hedged
// Jobs, the Queue hands each Job to exactly one worker, the worker drives a
// browser Session through an ExecutionUnit and settles the Job's Handle.
package search
