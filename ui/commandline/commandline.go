// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline implements the command-line display of a training run: a progress bar for each
// pass over a dataset (see Progress) and the table with the statistics of every epoch.
package commandline

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/eva4/s11net/pkg/runmanager"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	bestRowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"}).
			Bold(true).
			PaddingLeft(1).PaddingRight(1)
	tableBorderColor = "#705090"
)

// EpochTable renders one row per epoch with the train and test statistics. The row of the epoch
// with the best test accuracy is highlighted.
func EpochTable(records []runmanager.EpochRecord, best *runmanager.EpochRecord) string {
	bestRow := -1
	rows := make([][]string, 0, len(records))
	for i, r := range records {
		if best != nil && r.Epoch == best.Epoch && r.RunID == best.RunID {
			bestRow = i
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.Epoch),
			fmt.Sprintf("%.4f", r.TrainLoss),
			fmt.Sprintf("%.2f%%", r.TrainAccuracy),
			fmt.Sprintf("%.4f", r.TestLoss),
			fmt.Sprintf("%.2f%%", r.TestAccuracy),
			fmt.Sprintf("%.6f", r.LearningRate),
			FormatDuration(r.EpochDuration),
		})
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case row == bestRow:
				s = bestRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			return s.Align(lipgloss.Right)
		}).
		Headers("Epoch", "Train Loss", "Train Acc", "Test Loss", "Test Acc", "LR", "Time").
		Rows(rows...)
	return table.String()
}

// FormatDuration rounds d to 2 significant decimal places of its largest unit, e.g. "1.23s" or "4m5s".
func FormatDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return fmt.Sprintf("%.2fs", d.Seconds())
	case d >= time.Millisecond:
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	default:
		return d.String()
	}
}
