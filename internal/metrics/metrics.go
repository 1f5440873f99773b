package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Exit outcomes recorded on launchpad_task_exits_total.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeStartError = "start_error"
	OutcomeStopped    = "stopped"
)

var (
	registry = prometheus.NewRegistry()

	taskRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Name:      "task_running",
		Help:      "Whether a task currently has a running process (1=running, 0=not running).",
	}, []string{"task"})

	taskReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Name:      "task_ready",
		Help:      "Whether a task's readiness check currently passes (1=ready, 0=not ready).",
	}, []string{"task"})

	taskRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Name:      "task_restarts_total",
		Help:      "Total number of restarts performed for each task.",
	}, []string{"task"})

	taskExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Name:      "task_exits_total",
		Help:      "Total number of observed task process exits by outcome.",
	}, []string{"task", "outcome"})

	stopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "launchpad",
		Name:      "task_stop_duration_seconds",
		Help:      "Time between a stop request and the task's process tree being gone.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
	}, []string{"task"})

	outputDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "launchpad",
		Name:      "output_dropped_lines_total",
		Help:      "Output lines dropped because a consumer fell behind.",
	}, []string{"task"})

	groupShutdown = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Name:      "group_shutdown",
		Help:      "Set to 1 once the launch group shutdown was requested, labelled by cause.",
	}, []string{"cause"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "launchpad",
		Name:      "build_info",
		Help:      "Build metadata for the running launchpad binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(taskRunning, taskReady, taskRestarts, taskExits, stopDuration, outputDropped, groupShutdown, buildInfo)
}

// Registry returns the Prometheus registry containing all launchpad metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetTaskRunning records whether the task has a running process.
func SetTaskRunning(task string, running bool) {
	if task == "" {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	taskRunning.WithLabelValues(task).Set(value)
}

// SetTaskReady records the result of the task's readiness check.
func SetTaskReady(task string, ready bool) {
	if task == "" {
		return
	}
	value := 0.0
	if ready {
		value = 1.0
	}
	taskReady.WithLabelValues(task).Set(value)
}

// IncrementTaskRestart increments the restart counter by one for a task.
func IncrementTaskRestart(task string) {
	if task == "" {
		return
	}
	taskRestarts.WithLabelValues(task).Inc()
}

// RecordTaskExit counts one process exit with the provided outcome.
func RecordTaskExit(task, outcome string) {
	if task == "" || outcome == "" {
		return
	}
	taskExits.WithLabelValues(task, outcome).Inc()
}

// ObserveStopDuration records how long stopping a task took.
func ObserveStopDuration(task string, d time.Duration) {
	label := task
	if label == "" {
		label = "unknown"
	}
	stopDuration.WithLabelValues(label).Observe(d.Seconds())
}

// AddOutputDropped counts dropped output lines for a task.
func AddOutputDropped(task string, n int) {
	if task == "" || n <= 0 {
		return
	}
	outputDropped.WithLabelValues(task).Add(float64(n))
}

// SetGroupShutdown marks the group as shutting down for cause.
func SetGroupShutdown(cause string) {
	if cause == "" {
		return
	}
	groupShutdown.WithLabelValues(cause).Set(1)
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetTask clears every series of a task.
func ResetTask(task string) {
	if task == "" {
		return
	}
	taskRunning.DeleteLabelValues(task)
	taskReady.DeleteLabelValues(task)
	taskRestarts.DeleteLabelValues(task)
	taskExits.DeletePartialMatch(prometheus.Labels{"task": task})
	stopDuration.DeleteLabelValues(task)
	outputDropped.DeleteLabelValues(task)
}
