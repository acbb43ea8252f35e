// Package engine runs the per-agent think-act-observe loop. An Engine owns
// exactly one Agent: it streams model output, extracts tool calls with the
// toolcall protocol, dispatches them to a ToolExecutor, feeds the loop
// detector, consults the lesson store on failures, and drives the agent's
// status state machine. A Manager spawns engines as independent goroutines
// and is the surface the orchestrator delegates steps through.
//
// # State machine
//
// Agents move idle → running → {completed | error | stopped | waiting_user}.
// The only re-entrant transition is waiting_user → running, taken when a
// user-supplied message resumes the agent after an ask_user call. Every
// other terminal state is final for the agent instance, and every terminal
// non-completed state carries a human-readable reason.
//
// # Concurrency
//
// At most one loop runs per agent id; a second Start while one is active is
// a silent no-op, so overlapping resume calls cannot race a duplicate loop
// into existence. Cancellation is cooperative: it is observed at the top of
// each iteration and between streamed chunks, and the current iteration
// drains what it has already read before the agent observes stopped.
package engine
