// Package session holds per-session support code that sits alongside the
// supervisor state machine but is reusable independent of it: the plan-file
// watcher used to attribute an ExitPlanMode tool call to the markdown file
// the agent actually wrote.
package session
