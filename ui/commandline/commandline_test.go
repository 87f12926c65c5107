// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/eva4/s11net/pkg/runmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(&buf)
	p.Printf("before %d", 0)
	p.Start(4, "Epoch 1/2")
	for range 4 {
		p.Update("time: 0.01, loss: 1.2345")
	}
	p.Printf("during %d", 1)
	p.Finish()
	p.Printf("after %d", 2)

	out := buf.String()
	require.Contains(t, out, "before 0\n")
	require.Contains(t, out, "during 1\n")
	require.Contains(t, out, "after 2\n")
	require.Contains(t, out, "time: 0.01, loss: 1.2345")
	require.Less(t, strings.Index(out, "before 0"), strings.Index(out, "during 1"))
	require.Less(t, strings.Index(out, "during 1"), strings.Index(out, "after 2"))

	// Finishing twice, or updating without a bar, is a no-op.
	p.Finish()
	p.Update("ignored")

	// Unknown number of steps.
	buf.Reset()
	p.Start(0, "Evaluating")
	p.Update("")
	p.Finish()
	require.Contains(t, buf.String(), "Evaluating")
}

func TestEpochTable(t *testing.T) {
	records := []runmanager.EpochRecord{
		{RunID: "r", Epoch: 1, TrainLoss: 1.5, TrainAccuracy: 40, TestLoss: 1.25, TestAccuracy: 51.5,
			LearningRate: 0.01, EpochDuration: 12 * time.Second},
		{RunID: "r", Epoch: 2, TrainLoss: 0.75, TrainAccuracy: 70, TestLoss: 0.8, TestAccuracy: 72.25,
			LearningRate: 0.05, EpochDuration: 1500 * time.Millisecond},
	}
	table := EpochTable(records, &records[1])
	for _, want := range []string{"Epoch", "Test Acc", "1.2500", "51.50%", "72.25%", "0.050000", "12.00s", "1.50s"} {
		assert.Contains(t, table, want)
	}
	// Header, 2 rows and borders.
	require.GreaterOrEqual(t, strings.Count(table, "\n"), 5)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234*time.Millisecond))
	assert.Equal(t, "2m5s", FormatDuration(2*time.Minute+5*time.Second+100*time.Millisecond))
	assert.Equal(t, "12.50ms", FormatDuration(12500*time.Microsecond))
	assert.Equal(t, "800ns", FormatDuration(800*time.Nanosecond))
}
