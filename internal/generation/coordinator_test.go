package generation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/castwire/castwire/internal/registry"
)

type fakeGeneration struct {
	mu               sync.Mutex
	cancelled        bool
	runErr           error
	fullText         string
	spokenText       string
	blockUntilCancel bool
	cancelBlock      chan struct{}
	ranCh            chan struct{}
}

func newFakeGeneration(fullText string) *fakeGeneration {
	return &fakeGeneration{fullText: fullText, spokenText: fullText, cancelBlock: make(chan struct{}), ranCh: make(chan struct{})}
}

func (g *fakeGeneration) Run(ctx context.Context) (string, error) {
	close(g.ranCh)
	if g.runErr != nil {
		return g.fullText, g.runErr
	}
	if g.blockUntilCancel {
		<-g.cancelBlock
	}
	return g.fullText, nil
}

func (g *fakeGeneration) GetSpokenText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spokenText
}

func (g *fakeGeneration) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.cancelled {
		g.cancelled = true
		close(g.cancelBlock)
	}
}

func (g *fakeGeneration) IsCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

type fakeMemory struct {
	mu           sync.Mutex
	completed    []string
	interrupted  []string
	reconciled   []string
	nextHandle   int
	recordErr    error
	reconcileErr error
}

func (m *fakeMemory) RecordCompleted(_ context.Context, _ string, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	m.completed = append(m.completed, content)
	return nil
}

func (m *fakeMemory) RecordInterrupted(_ context.Context, _ string, content, _ string) (ReconciliationHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return nil, m.recordErr
	}
	m.interrupted = append(m.interrupted, content)
	m.nextHandle++
	return m.nextHandle, nil
}

func (m *fakeMemory) Reconcile(_ context.Context, handle ReconciliationHandle, authoritative string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconcileErr != nil {
		return m.reconcileErr
	}
	_ = handle
	m.reconciled = append(m.reconciled, authoritative)
	return nil
}

func newTestCoordinator(mem *fakeMemory) *Coordinator {
	reg := registry.New(func(string) bool { return true })
	return New(reg, mem)
}

func TestSpeak_NormalCompletion_RecordsCompleted(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)
	gen := newFakeGeneration("hello there")

	if err := c.Speak(context.Background(), "aria", gen); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if len(mem.completed) != 1 || mem.completed[0] != "hello there" {
		t.Errorf("unexpected completed records: %v", mem.completed)
	}
	if len(mem.interrupted) != 0 {
		t.Errorf("expected no interrupted records, got %v", mem.interrupted)
	}
}

func TestSpeak_Preemption_CancelsIncumbentAndRecordsInterrupted(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)

	incumbent := newFakeGeneration("incumbent full text")
	incumbent.spokenText = "incumbent spo"
	incumbent.blockUntilCancel = true

	done := make(chan struct{})
	go func() {
		_ = c.Speak(context.Background(), "nova", incumbent)
		close(done)
	}()
	<-incumbent.ranCh

	next := newFakeGeneration("next turn")
	if err := c.Speak(context.Background(), "nova", next); err != nil {
		t.Fatalf("Speak (preempting): %v", err)
	}

	<-done

	if !incumbent.IsCancelled() {
		t.Error("expected incumbent generation to be cancelled")
	}
	if len(mem.interrupted) != 1 || mem.interrupted[0] != "incumbent spo" {
		t.Errorf("unexpected interrupted records: %v", mem.interrupted)
	}
	if len(mem.completed) != 1 || mem.completed[0] != "next turn" {
		t.Errorf("unexpected completed records: %v", mem.completed)
	}
}

func TestReportStreamStopped_ReconcilesPendingEntry(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)

	gen := newFakeGeneration("full output")
	gen.Cancel()
	if err := c.Speak(context.Background(), "nova", gen); err != nil {
		t.Fatalf("Speak: %v", err)
	}

	if err := c.ReportStreamStopped(context.Background(), "nova", "authoritative text"); err != nil {
		t.Fatalf("ReportStreamStopped: %v", err)
	}
	if len(mem.reconciled) != 1 || mem.reconciled[0] != "authoritative text" {
		t.Errorf("unexpected reconciled records: %v", mem.reconciled)
	}
}

func TestReportStreamStopped_NoopWhenNoPendingEntry(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)

	if err := c.ReportStreamStopped(context.Background(), "ghost", "text"); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
	if len(mem.reconciled) != 0 {
		t.Errorf("expected no reconciliation, got %v", mem.reconciled)
	}
}

func TestSpeak_Error_ClearsPendingAndPropagates(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)

	interrupted := newFakeGeneration("earlier turn")
	interrupted.Cancel()
	if err := c.Speak(context.Background(), "aria", interrupted); err != nil {
		t.Fatalf("Speak (interrupted): %v", err)
	}

	gen := newFakeGeneration("x")
	gen.runErr = errors.New("tts connection failed")

	err := c.Speak(context.Background(), "aria", gen)
	if err == nil {
		t.Fatal("expected error")
	}

	if err := c.ReportStreamStopped(context.Background(), "aria", "late report"); err != nil {
		t.Fatalf("ReportStreamStopped: %v", err)
	}
	if len(mem.reconciled) != 0 {
		t.Errorf("expected the error to clear the pending entry, got reconciled %v", mem.reconciled)
	}
}

func TestStop_CancelsActiveGenerationWithoutStartingNew(t *testing.T) {
	mem := &fakeMemory{}
	c := newTestCoordinator(mem)

	gen := newFakeGeneration("incumbent")
	gen.blockUntilCancel = true
	done := make(chan struct{})
	go func() {
		_ = c.Speak(context.Background(), "nova", gen)
		close(done)
	}()
	<-gen.ranCh

	c.Stop(context.Background(), "nova")
	<-done

	if !gen.IsCancelled() {
		t.Error("expected Stop to cancel the active generation")
	}
}
