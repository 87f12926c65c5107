// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runmanager accumulates the per-batch and per-epoch statistics of a training run, keeps track
// of the best model, and saves the statistics of the run as CSV, JSON and a plot of the learning curves.
//
// Manager implements trainer.RunManager.
package runmanager

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/eva4/s11net/pkg/trainer"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EpochRecord holds the statistics of one epoch.
type EpochRecord struct {
	RunName string `json:"run_name"`
	RunID   string `json:"run_id"`
	Epoch   int    `json:"epoch"`

	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	TestLoss      float64 `json:"test_loss"`
	TestAccuracy  float64 `json:"test_accuracy"`
	LearningRate  float64 `json:"learning_rate"`
	NumBatches    int     `json:"num_batches"`

	EpochDuration time.Duration `json:"epoch_duration"`
	RunDuration   time.Duration `json:"run_duration"`
}

// BestSaver saves the model when a new best epoch is found.
type BestSaver func(modelName string, record EpochRecord) error

// Manager implements trainer.RunManager.
//
// It is not safe for concurrent use: the training loop calls it from one goroutine.
type Manager struct {
	outputDir string
	saver     BestSaver
	now       func() time.Time

	runName  string
	runID    string
	info     trainer.RunInfo
	runStart time.Time

	epochStart, batchStart time.Time
	epochCount             int
	numBatches             int

	trainLossSum             float64
	trainExamples            int
	trainCorrect, trainCount int
	testLossSum              float64
	testExamples             int
	testCorrect, testCount   int

	records []EpochRecord
	best    *EpochRecord
}

var _ trainer.RunManager = (*Manager)(nil)

// New creates a Manager that writes its files under outputDir.
//
// saver is called by SaveBest whenever the test accuracy improves, it can be nil.
// See CheckpointSaver for the usual choice.
func New(outputDir string, saver BestSaver) *Manager {
	return &Manager{
		outputDir: outputDir,
		saver:     saver,
		now:       time.Now,
	}
}

// WithClock replaces the clock used to time batches, epochs and runs. Used for testing.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// BeginRun implements trainer.RunManager. It resets all the statistics.
func (m *Manager) BeginRun(name string, info trainer.RunInfo) error {
	if m.outputDir != "" {
		if err := os.MkdirAll(m.outputDir, 0o755); err != nil {
			return errors.Wrapf(err, "creating output directory %q", m.outputDir)
		}
	}
	m.runName = name
	m.runID = uuid.NewString()
	m.info = info
	m.runStart = m.now()
	m.epochCount = 0
	m.records = nil
	m.best = nil
	klog.Infof("Run %q (id %s): model %q, train dataset %q, test dataset %q, %d epochs",
		name, m.runID, info.ModelName, info.TrainDataset, info.TestDataset, info.Epochs)
	if info.NumParameters > 0 {
		klog.Infof("Model %q has %s trainable parameters", info.ModelName,
			humanize.Comma(int64(info.NumParameters)))
	}
	return nil
}

// RunID is the unique identifier assigned to the current run by BeginRun.
func (m *Manager) RunID() string { return m.runID }

// BeginEpoch implements trainer.RunManager.
func (m *Manager) BeginEpoch() {
	m.epochCount++
	m.epochStart = m.now()
	m.numBatches = 0
	m.trainLossSum, m.trainExamples = 0, 0
	m.trainCorrect, m.trainCount = 0, 0
	m.testLossSum, m.testExamples = 0, 0
	m.testCorrect, m.testCount = 0, 0
}

// BeginBatch implements trainer.RunManager.
func (m *Manager) BeginBatch() {
	m.batchStart = m.now()
}

// TrackTrainLoss implements trainer.RunManager.
func (m *Manager) TrackTrainLoss(loss float64, batchSize int) {
	m.trainLossSum += loss * float64(batchSize)
	m.trainExamples += batchSize
}

// TrackTrainNumCorrect implements trainer.RunManager.
func (m *Manager) TrackTrainNumCorrect(correct, count int) {
	m.trainCorrect += correct
	m.trainCount += count
}

// EndBatch implements trainer.RunManager.
func (m *Manager) EndBatch(lr float64) time.Duration {
	m.numBatches++
	elapsed := m.now().Sub(m.batchStart)
	if klog.V(2).Enabled() {
		klog.Infof("batch %d: lr=%g, took %s", m.numBatches, lr, elapsed)
	}
	return elapsed
}

// TrackTestLoss implements trainer.RunManager.
func (m *Manager) TrackTestLoss(loss float64, batchSize int) {
	m.testLossSum += loss * float64(batchSize)
	m.testExamples += batchSize
}

// TrackTestNumCorrect implements trainer.RunManager.
func (m *Manager) TrackTestNumCorrect(correct, count int) {
	m.testCorrect += correct
	m.testCount += count
}

// TestLoss implements trainer.RunManager.
func (m *Manager) TestLoss() float64 {
	return meanOrZero(m.testLossSum, m.testExamples)
}

// EndEpoch implements trainer.RunManager.
func (m *Manager) EndEpoch(lr float64) string {
	now := m.now()
	record := EpochRecord{
		RunName:       m.runName,
		RunID:         m.runID,
		Epoch:         m.epochCount,
		TrainLoss:     meanOrZero(m.trainLossSum, m.trainExamples),
		TrainAccuracy: Accuracy(m.trainCorrect, m.trainCount),
		TestLoss:      m.TestLoss(),
		TestAccuracy:  Accuracy(m.testCorrect, m.testCount),
		LearningRate:  lr,
		NumBatches:    m.numBatches,
		EpochDuration: now.Sub(m.epochStart),
		RunDuration:   now.Sub(m.runStart),
	}
	m.records = append(m.records, record)
	return record.String()
}

// String returns the one-line summary of the epoch.
func (r EpochRecord) String() string {
	return fmt.Sprintf("Epoch %d: train loss=%.4f, train acc=%.2f%%, test loss=%.4f, test acc=%.2f%%, lr=%.6f, took %s",
		r.Epoch, r.TrainLoss, r.TrainAccuracy, r.TestLoss, r.TestAccuracy, r.LearningRate,
		r.EpochDuration.Round(time.Second))
}

// Accuracy in percent, 0 if count is 0.
func Accuracy(correct, count int) float64 {
	if count == 0 {
		return 0
	}
	return 100 * float64(correct) / float64(count)
}

func meanOrZero(sum float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// SaveBest implements trainer.RunManager: it calls the BestSaver if the last epoch has the best test
// accuracy so far. Ties don't count as an improvement.
func (m *Manager) SaveBest(modelName string) error {
	if len(m.records) == 0 {
		return nil
	}
	last := m.records[len(m.records)-1]
	if m.best != nil && last.TestAccuracy <= m.best.TestAccuracy {
		return nil
	}
	m.best = &last
	klog.V(1).Infof("New best test accuracy %.2f%% at epoch %d", last.TestAccuracy, last.Epoch)
	if m.saver == nil {
		return nil
	}
	return m.saver(modelName, last)
}

// Records returns the EpochRecords of the current run.
func (m *Manager) Records() []EpochRecord { return m.records }

// Best returns the record of the epoch with the best test accuracy, or nil if no epoch ended yet.
func (m *Manager) Best() *EpochRecord { return m.best }

// Save implements trainer.RunManager. It writes the records of the run to
// <outputDir>/<modelName>.csv and <outputDir>/<modelName>.json, and plots the learning curves
// to <outputDir>/<modelName>-curves.png.
func (m *Manager) Save(modelName string) error {
	if len(m.records) == 0 {
		klog.Warningf("No epochs recorded for run %q, nothing to save", m.runName)
		return nil
	}
	base := filepath.Join(m.outputDir, modelName)
	if err := m.saveCSV(base + ".csv"); err != nil {
		return err
	}
	if err := m.saveJSON(base + ".json"); err != nil {
		return err
	}
	if err := PlotCurves(m.records, base+"-curves.png"); err != nil {
		return err
	}
	klog.Infof("Statistics of run %q saved to %s.{csv,json} and %s-curves.png", m.runName, base, base)
	return nil
}

// DataFrame returns the records as a dataframe, one row per epoch.
func DataFrame(records []EpochRecord) dataframe.DataFrame {
	n := len(records)
	runNames, runIDs := make([]string, n), make([]string, n)
	epochs, numBatches := make([]int, n), make([]int, n)
	trainLoss, trainAcc := make([]float64, n), make([]float64, n)
	testLoss, testAcc := make([]float64, n), make([]float64, n)
	lrs, epochSecs, runSecs := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, r := range records {
		runNames[i], runIDs[i] = r.RunName, r.RunID
		epochs[i], numBatches[i] = r.Epoch, r.NumBatches
		trainLoss[i], trainAcc[i] = r.TrainLoss, r.TrainAccuracy
		testLoss[i], testAcc[i] = r.TestLoss, r.TestAccuracy
		lrs[i] = r.LearningRate
		epochSecs[i], runSecs[i] = r.EpochDuration.Seconds(), r.RunDuration.Seconds()
	}
	return dataframe.New(
		series.New(runNames, series.String, "run_name"),
		series.New(runIDs, series.String, "run_id"),
		series.New(epochs, series.Int, "epoch"),
		series.New(trainLoss, series.Float, "train_loss"),
		series.New(trainAcc, series.Float, "train_accuracy"),
		series.New(testLoss, series.Float, "test_loss"),
		series.New(testAcc, series.Float, "test_accuracy"),
		series.New(lrs, series.Float, "learning_rate"),
		series.New(numBatches, series.Int, "num_batches"),
		series.New(epochSecs, series.Float, "epoch_seconds"),
		series.New(runSecs, series.Float, "run_seconds"),
	)
}

func (m *Manager) saveCSV(path string) error {
	df := DataFrame(m.records)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building statistics dataframe")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

func (m *Manager) saveJSON(path string) error {
	data, err := json.MarshalIndent(m.records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding records")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing %q", path)
}
