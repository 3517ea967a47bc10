package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"conductor/internal/domain"
	sqlitestore "conductor/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/conductor.db", "sqlite history database path")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	store, err := sqlitestore.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history database: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()
	if err := store.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate history database: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	transitionsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	transitionsView.SetTitle("Transitions").SetBorder(true)

	convergenceView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	convergenceView.SetTitle("Convergence").SetBorder(true)

	detailView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	detailView.SetTitle("Task Detail").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf("Reading %s | shortcuts: F10 quit, F5 refresh", *dbPath))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(transitionsView, 0, 2, false).
		AddItem(convergenceView, 0, 2, false).
		AddItem(detailView, 0, 1, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(statusView, 3, 0, false)

	var selectedTaskID string
	var lastTasks []domain.Task
	var refreshVersion uint64

	refresh := func() {
		version := atomic.AddUint64(&refreshVersion, 1)
		go func(v uint64) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tasks, tasksErr := store.ListTasks(ctx)
			transitions, transErr := store.ListTransitions(ctx, 200)
			iterations, convErr := store.ListConvergence(ctx, "")

			if atomic.LoadUint64(&refreshVersion) != v {
				return
			}
			sort.Slice(tasks, func(i, j int) bool {
				return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
			})
			app.QueueUpdateDraw(func() {
				if tasksErr != nil {
					tasksTable.Clear()
					tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", tasksErr)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
				} else {
					lastTasks = tasks
					renderTasksTable(tasksTable, tasks, selectedTaskID)
				}
				if transErr != nil {
					transitionsView.SetText(fmt.Sprintf("error: %v", transErr))
				} else {
					transitionsView.SetText(renderTransitions(transitions))
				}
				if convErr != nil {
					convergenceView.SetText(fmt.Sprintf("error: %v", convErr))
				} else {
					convergenceView.SetText(renderConvergence(iterations))
				}
				detailView.SetText(renderDetail(selectedTaskID, lastTasks))
			})
		}(version)
	}

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		detailView.SetText(renderDetail(selectedTaskID, lastTasks))
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10, tcell.KeyEscape:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refresh()
			statusView.SetText("Manual refresh complete")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refresh()
		for range ticker.C {
			refresh()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(tasksTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Role", "Prio", "Att", "Updated", "Description"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)))
		table.SetCell(row, 2, tview.NewTableCell(string(t.Specialization)))
		table.SetCell(row, 3, tview.NewTableCell(string(t.Priority)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprintf("%d", t.Attempt)))
		table.SetCell(row, 5, tview.NewTableCell(t.UpdatedAt.Format("15:04:05")))
		table.SetCell(row, 6, tview.NewTableCell(trimLine(t.Description, 56)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderTransitions(items []domain.TransitionRecord) string {
	if len(items) == 0 {
		return "No transitions"
	}
	var b strings.Builder
	for _, rec := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] %s  %s -> %s\n",
			rec.CreatedAt.Format("15:04:05"),
			shortID(rec.TaskID),
			rec.From,
			rec.To,
		))
		if rec.Detail != "" {
			b.WriteString("  " + trimLine(rec.Detail, 120) + "\n")
		}
	}
	return b.String()
}

func renderConvergence(items []domain.ConvergenceIteration) string {
	if len(items) == 0 {
		return "No check iterations"
	}
	var b strings.Builder
	for _, it := range items {
		b.WriteString(fmt.Sprintf(
			"[%s] group=%s iter=%d passed=%d failed=%d skipped=%d\n",
			it.CreatedAt.Format("15:04:05"),
			shortID(it.GroupID),
			it.Iteration,
			it.Report.Passed,
			it.Report.Failed,
			it.Report.Skipped,
		))
		for _, failure := range it.Report.Failures {
			b.WriteString(fmt.Sprintf("  %s: %s\n", failure.ID, trimLine(failure.Diagnostic, 100)))
		}
	}
	return b.String()
}

func renderDetail(taskID string, tasks []domain.Task) string {
	if strings.TrimSpace(taskID) == "" {
		return "No task selected"
	}
	for _, t := range tasks {
		if t.ID != taskID {
			continue
		}
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Task: %s  status=%s role=%s priority=%s attempt=%d\n",
			t.ID, t.Status, t.Specialization, t.Priority, t.Attempt))
		if len(t.Dependencies) > 0 {
			b.WriteString("Depends on: " + strings.Join(t.Dependencies, ", ") + "\n")
		}
		if t.GroupID != "" {
			b.WriteString("Group: " + t.GroupID + "\n")
		}
		if d := t.Duration(); d > 0 {
			b.WriteString("Duration: " + d.String() + "\n")
		}
		b.WriteString("\n" + t.Description + "\n")
		if t.Result != "" {
			b.WriteString("\nResult:\n" + trimLine(t.Result, 600) + "\n")
		}
		if t.Error != "" {
			b.WriteString("\nError:\n" + trimLine(t.Error, 600) + "\n")
		}
		return b.String()
	}
	return "Task not in latest snapshot"
}

func trimLine(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
