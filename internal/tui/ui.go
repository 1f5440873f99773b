// Package tui renders the launch group status window.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/launchpad/internal/cliutil"
	"github.com/Paintersrp/launchpad/internal/engine"
	"github.com/Paintersrp/launchpad/internal/logmux"
	"github.com/Paintersrp/launchpad/internal/probe"
)

const (
	tableTitle          = "Tasks"
	logsTitle           = "Output"
	filterPageName      = "filter"
	defaultLogRetention = 500
	refreshInterval     = 500 * time.Millisecond
)

// Controller is the launch the window observes and stops.
type Controller interface {
	Status() engine.GroupStatus
	RequestShutdown(reason string) bool
}

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of output lines retained per task.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI coordinates the interactive status interface backed by tview.
type UI struct {
	ctrl Controller

	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	stop   *tview.Button
	footer *tview.TextView
	events chan engine.TaskEvent

	tasks map[string]*taskState
	order []string

	visible     []string
	selected    string
	logsJSON    bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int
	notice      string
	selecting   bool

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

type taskState struct {
	status  engine.TaskStatus
	message string
	logs    []logmux.Line
}

// New constructs a UI configured with the supplied options.
func New(ctrl Controller, opts ...Option) *UI {
	ui := &UI{
		ctrl:    ctrl,
		app:     tview.NewApplication(),
		events:  make(chan engine.TaskEvent, 256),
		tasks:   make(map[string]*taskState),
		maxLogs: defaultLogRetention,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ui)
	}
	ui.build()
	return ui
}

func (u *UI) build() {
	u.table = tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	u.table.SetBorder(true).SetTitle(tableTitle)

	u.logs = tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	u.logs.SetBorder(true).SetTitle(logsTitle)

	u.stop = tview.NewButton("Stop All").SetSelectedFunc(u.stopAll)
	u.footer = tview.NewTextView().SetDynamicColors(true)

	bar := tview.NewFlex().
		AddItem(u.stop, 12, 0, false).
		AddItem(nil, 1, 0, false).
		AddItem(u.footer, 0, 1, false)

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(u.table, 0, 2, true).
		AddItem(u.logs, 0, 3, false).
		AddItem(bar, 1, 0, false)

	u.pages = tview.NewPages().AddPage("main", flex, true, true)

	u.table.SetSelectionChangedFunc(func(row, column int) {
		// Select from ensureSelectionLocked runs with mu already held.
		if u.selecting {
			return
		}
		u.mu.Lock()
		defer u.mu.Unlock()
		u.syncSelection(row)
		u.renderLogsLocked()
	})

	u.app.SetRoot(u.pages, true)
	u.app.SetInputCapture(u.handleKey)

	u.mu.Lock()
	u.refreshTableLocked()
	u.renderFooterLocked()
	u.mu.Unlock()
}

// EventSink exposes the channel where task events should be delivered.
func (u *UI) EventSink() chan<- engine.TaskEvent {
	return u.events
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes task events and output
// lines until Stop is invoked or ctx is cancelled.
func (u *UI) Run(ctx context.Context, lines <-chan logmux.Line) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consume(ctx, lines)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	var err error
	select {
	case <-u.done:
	default:
		err = u.app.Run()
	}
	cancel()
	u.wg.Wait()
	u.Stop()
	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consume(ctx context.Context, lines <-chan logmux.Line) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-u.events:
			u.mu.Lock()
			u.applyEventLocked(evt)
			u.mu.Unlock()
			u.queueRefresh(true)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			u.mu.Lock()
			updateLogs := u.appendLineLocked(line)
			u.mu.Unlock()
			if updateLogs {
				u.queueRefresh(true)
			}
		case <-ticker.C:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(filterPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyCtrlC:
		u.stopAll()
		go u.Stop()
		return nil
	case tcell.KeyEnter:
		if u.app.GetFocus() == u.stop {
			return event
		}
		u.toggleFocus()
		return nil
	case tcell.KeyTab:
		u.app.SetFocus(u.stop)
		return nil
	case tcell.KeyEscape:
		u.app.SetFocus(u.table)
		u.logsFocused = false
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			u.stopAll()
			go u.Stop()
			return nil
		case 's', 'S':
			u.stopAll()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) stopAll() {
	accepted := false
	if u.ctrl != nil {
		accepted = u.ctrl.RequestShutdown("status window")
	}
	u.mu.Lock()
	if accepted {
		u.notice = "stopping all tasks"
	} else {
		u.notice = "shutdown already in progress"
	}
	u.renderFooterLocked()
	u.mu.Unlock()
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsJSON = !u.logsJSON
	u.renderLogsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Task filter: ").
		SetText(current).
		SetFieldWidth(40)

	closePrompt := func() {
		u.pages.RemovePage(filterPageName)
		u.app.SetFocus(u.table)
	}
	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			closePrompt()
			u.applyFilter(input.GetText())
		}).
		AddButton("Cancel", closePrompt)

	form.SetBorder(true).SetTitle("Filter Tasks")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.mu.Lock()
			u.notice = fmt.Sprintf("invalid filter: %v", err)
			u.renderFooterLocked()
			u.mu.Unlock()
			return
		}
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.refreshTableLocked()
	u.renderLogsLocked()
	u.mu.Unlock()
}

func (u *UI) stateLocked(name string) *taskState {
	state := u.tasks[name]
	if state == nil {
		state = &taskState{status: engine.TaskStatus{Name: name, Phase: engine.PhasePending}}
		u.tasks[name] = state
		u.order = append(u.order, name)
	}
	return state
}

func (u *UI) applyEventLocked(evt engine.TaskEvent) {
	state := u.stateLocked(evt.Task)
	state.status.Phase = evt.Phase
	state.status.PID = evt.PID
	state.status.Restarts = evt.Restarts
	if evt.ExitCode != nil {
		code := *evt.ExitCode
		state.status.ExitCode = &code
	}
	if evt.Phase == engine.PhaseRunning {
		state.status.LastStart = evt.Timestamp
	}
	state.message = formatEventMessage(evt)
}

func (u *UI) appendLineLocked(line logmux.Line) bool {
	state := u.stateLocked(line.Task)
	state.logs = append(state.logs, line)
	if len(state.logs) > u.maxLogs {
		trim := len(state.logs) - u.maxLogs
		state.logs = append([]logmux.Line(nil), state.logs[trim:]...)
	}
	return line.Task == u.selected || u.selected == ""
}

// syncStatusLocked merges the coordinator snapshot, which is authoritative
// for phase and pid.
func (u *UI) syncStatusLocked() {
	if u.ctrl == nil {
		return
	}
	for _, task := range u.ctrl.Status().Tasks {
		state := u.stateLocked(task.Name)
		state.status = task
	}
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.syncStatusLocked()
		u.refreshTableLocked()
		u.renderFooterLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"TASK", "PHASE", "READY", "PID", "EXIT", "RESTARTS", "UPTIME", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.order))
	for _, name := range u.order {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	u.visible = names

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, name := range names {
		state := u.tasks[name]
		st := state.status
		pid := "-"
		if st.PID != 0 {
			pid = strconv.Itoa(st.PID)
		}
		exit := "-"
		if st.ExitCode != nil {
			exit = strconv.Itoa(*st.ExitCode)
		}
		message := state.message
		if st.LastError != "" {
			message = st.LastError
		}
		if len(message) > 80 {
			message = message[:77] + "..."
		}

		ready := "-"
		if st.Ready != "" {
			ready = string(st.Ready)
		}

		values := []string{
			name,
			string(st.Phase),
			ready,
			pid,
			exit,
			strconv.Itoa(st.Restarts),
			formatUptime(st),
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			switch col {
			case 1:
				cell.SetTextColor(phaseColor(st.Phase))
			case 2:
				cell.SetTextColor(readyColor(st.Ready))
			}
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	var state *taskState
	if u.selected != "" {
		state = u.tasks[u.selected]
	}
	if state == nil {
		u.logs.SetTitle(logsTitle)
		return
	}

	u.logs.SetTitle(fmt.Sprintf("%s (%s)", logsTitle, u.selected))
	for _, line := range state.logs {
		if u.logsJSON {
			data, err := json.Marshal(cliutil.NewLogRecord(line.Timestamp, line.Task, line.Source, line.Text))
			if err != nil {
				fmt.Fprintf(u.logs, "{\"error\":%q}\n", err.Error())
				continue
			}
			fmt.Fprintf(u.logs, "%s\n", data)
			continue
		}
		prefix := ""
		switch {
		case line.Meta():
			prefix = "[launchpad] "
		case line.Source != "" && line.Source != "stdout":
			prefix = "[" + line.Source + "] "
		}
		fmt.Fprintf(u.logs, "%s%s\n", prefix, line.Text)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) renderFooterLocked() {
	running, total := 0, len(u.tasks)
	for _, state := range u.tasks {
		if state.status.Phase == engine.PhaseRunning {
			running++
		}
	}
	text := fmt.Sprintf("%d/%d running  [::d]s stop all  / filter  j json  q quit[::-]", running, total)
	if u.notice != "" {
		text = "[yellow]" + tview.Escape(u.notice) + "[-]  " + text
	}
	u.footer.SetText(text)
}

func (u *UI) ensureSelectionLocked() {
	u.selecting = true
	defer func() { u.selecting = false }()

	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}

	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatEventMessage(evt engine.TaskEvent) string {
	msg := evt.Message
	if evt.Err != nil {
		if msg != "" {
			msg = msg + ": " + evt.Err.Error()
		} else {
			msg = evt.Err.Error()
		}
	}
	if evt.Reason != "" {
		if msg != "" {
			msg = fmt.Sprintf("%s (%s)", msg, evt.Reason)
		} else {
			msg = evt.Reason
		}
	}
	return msg
}

func formatUptime(st engine.TaskStatus) string {
	if st.Phase != engine.PhaseRunning && st.Phase != engine.PhaseStopping {
		return "-"
	}
	if st.LastStart.IsZero() {
		return "-"
	}
	return units.HumanDuration(time.Since(st.LastStart))
}

func readyColor(status probe.Status) tcell.Color {
	switch status {
	case probe.StatusReady:
		return tcell.ColorGreen
	case probe.StatusUnready:
		return tcell.ColorRed
	default:
		return tcell.ColorWhite
	}
}

func phaseColor(p engine.Phase) tcell.Color {
	switch p {
	case engine.PhaseRunning:
		return tcell.ColorGreen
	case engine.PhaseRestarting, engine.PhaseStopping, engine.PhaseDelaying, engine.PhaseStarting:
		return tcell.ColorYellow
	case engine.PhaseExited, engine.PhaseTerminated:
		return tcell.ColorGray
	default:
		return tcell.ColorWhite
	}
}
