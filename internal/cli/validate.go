package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/launchpad/internal/cliutil"
	"github.com/Paintersrp/launchpad/internal/config"
)

func newValidateCmd() *cobra.Command {
	var (
		template bool
		vars     []string
		name     string
		showEnv  bool
	)

	cmd := &cobra.Command{
		Use:   "validate <launch-file>",
		Short: "Load a launch file and print the resolved tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseVars(vars)
			if err != nil {
				return err
			}
			group, err := config.Load(args[0], config.LoadOptions{
				Name:     name,
				Template: template,
				Vars:     parsed,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Launch group %s (%d tasks)\n", group.Name, len(group.Tasks))
			writeTaskTable(out, *group)
			if showEnv {
				writeTaskEnv(out, *group)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&template, "template", false, "Render the launch file as a Go template before decoding")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().StringVar(&name, "name", "", "Override the launch group name")
	cmd.Flags().BoolVar(&showEnv, "show-env", false, "Print each task's environment overlay with secrets masked")
	return cmd
}

func writeTaskTable(out io.Writer, group config.LaunchGroupSpec) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tPROGRAM\tARGS\tCWD\tDELAY\tRESTART\tQUIT\tREADY\tTAGS")
	for _, task := range group.Tasks {
		restart := "no"
		if task.Restart {
			restart = "after " + formatDuration(task.RestartBackoff)
		}
		quit := "no"
		if task.QuitOnTerminate {
			quit = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			task.Name,
			task.Program,
			dashIfEmpty(strings.Join(task.Args, " ")),
			dashIfEmpty(task.Workdir),
			formatDuration(task.StartDelay),
			restart,
			quit,
			readySummary(task.Ready),
			dashIfEmpty(strings.Join(task.Tags, ",")),
		)
	}
	w.Flush()
}

func writeTaskEnv(out io.Writer, group config.LaunchGroupSpec) {
	for _, task := range group.Tasks {
		fmt.Fprintf(out, "\n%s:\n", task.Name)
		entries := cliutil.RedactEnv(task.Env)
		if len(entries) == 0 {
			fmt.Fprintln(out, "  (inherited only)")
			continue
		}
		for _, entry := range entries {
			fmt.Fprintf(out, "  %s\n", entry)
		}
	}
}

func readySummary(ready *config.ReadySpec) string {
	if ready == nil {
		return "-"
	}
	if ready.Expression != "" {
		return ready.Expression
	}
	var checks []string
	if ready.HTTP != "" {
		checks = append(checks, "http")
	}
	if ready.TCP != "" {
		checks = append(checks, "tcp")
	}
	if len(ready.Command) > 0 {
		checks = append(checks, "cmd")
	}
	if ready.LogPattern != "" {
		checks = append(checks, "log")
	}
	return strings.Join(checks, " or ")
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return d.String()
	default:
		return units.HumanDuration(d)
	}
}

func dashIfEmpty(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
