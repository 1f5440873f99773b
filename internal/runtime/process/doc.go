// Package process runs tasks as local child processes.
//
// Every task is started as the root of its own terminable unit so that
// stopping the task stops everything it spawned. On POSIX systems the root
// leads a new process group; Linux additionally places it in a dedicated
// cgroup v2 scope when the hierarchy is writable, which also captures
// descendants that leave the process group. On Windows the root is created
// suspended, assigned to a job object that kills its members when closed,
// and only then resumed.
//
// On POSIX systems the runtime also re-executes the current binary as a
// sentinel in its own session. Every process group and the launch cgroup
// are registered with it over a pipe; when the launcher dies, even from
// SIGKILL, the pipe closes and the sentinel kills whatever is still
// registered. Any binary linking this package can act as its own sentinel.
package process
