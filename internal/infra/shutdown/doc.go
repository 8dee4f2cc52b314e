// Package shutdown runs cleanup hooks when the process is asked to stop.
//
// Shutdown starts on SIGINT or SIGTERM, on Trigger, or when the context
// passed to Wait ends. Hooks run in reverse order of registration under a
// shared timeout.
package shutdown
