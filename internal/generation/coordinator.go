// Package generation implements the Generation Coordinator: the
// at-most-one-active-generation-per-character invariant, cancel-and-replace
// preemption, and interrupted-message reconciliation bookkeeping.
package generation

import (
	"context"
	"fmt"
	"sync"

	"github.com/castwire/castwire/internal/overlay"
	"github.com/castwire/castwire/internal/registry"
)

// Generation is anything the coordinator can run for a character: either a
// Chat Pipeline or a bare TTS Streamer. Both satisfy this interface.
type Generation interface {
	// Run drives the generation to completion (or until Cancel unblocks
	// it) and returns the full text that was sent for synthesis.
	Run(ctx context.Context) (fullText string, err error)

	// GetSpokenText returns the text actually heard so far (the
	// word-timing-backed accumulator), authoritative at cancel time.
	GetSpokenText() string

	// Cancel requests the generation stop; Run unblocks promptly.
	Cancel()

	// IsCancelled reports whether Cancel was called on this generation.
	IsCancelled() bool
}

// ReconciliationHandle opaquely identifies a pending-interrupted memory
// record so it can later be updated with the overlay's authoritative
// spoken-text report. Its concrete type is owned by the Memory
// implementation.
type ReconciliationHandle = any

// Memory is the subset of Conversation Memory the coordinator depends on.
type Memory interface {
	// RecordCompleted appends a completed assistant turn.
	RecordCompleted(ctx context.Context, character, content string) error

	// RecordInterrupted appends an interrupted assistant turn: content is
	// the best-estimate spoken text at cancel time, generatedText is the
	// full model output. It returns a handle for later reconciliation.
	RecordInterrupted(ctx context.Context, character, content, generatedText string) (ReconciliationHandle, error)

	// Reconcile updates a previously recorded interrupted turn with the
	// overlay's authoritative spoken-text report.
	Reconcile(ctx context.Context, handle ReconciliationHandle, authoritativeSpokenText string) error
}

// characterSlot holds one character's generation state. refMu guards only
// the active/pendingInterrupted references and is held briefly; genLock is
// the "per-character lock" held for an entire generation's duration so
// that preempting (cancel, then wait for the incumbent's Run to actually
// return and finish its bookkeeping) and installing a new generation are
// serialized without a request ever needing to hold genLock just to
// discover and cancel the incumbent.
type characterSlot struct {
	refMu              sync.Mutex
	active             Generation
	pendingInterrupted ReconciliationHandle

	genLock sync.Mutex
}

// Coordinator enforces at-most-one-active-generation-per-character and
// owns the pending-reconciliation bookkeeping for interrupted turns.
type Coordinator struct {
	registry *registry.Registry
	memory   Memory

	mu    sync.Mutex
	slots map[string]*characterSlot
}

// New constructs a Coordinator. reg is used to issue stop_stream on
// preemption; memory records completed and interrupted turns.
func New(reg *registry.Registry, memory Memory) *Coordinator {
	return &Coordinator{
		registry: reg,
		memory:   memory,
		slots:    make(map[string]*characterSlot),
	}
}

func (c *Coordinator) slotFor(character string) *characterSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[character]
	if !ok {
		s = &characterSlot{}
		c.slots[character] = s
	}
	return s
}

// preempt cancels character's active generation, if any, and issues
// stop_stream. It is a fast operation (a brief ref read, not the
// per-character generation lock) so that a concurrent Speak/Stop call can
// unblock an incumbent's Run without first waiting on the lock that
// incumbent is holding for its own duration.
func (c *Coordinator) preempt(ctx context.Context, character string, slot *characterSlot) {
	slot.refMu.Lock()
	incumbent := slot.active
	slot.refMu.Unlock()

	if incumbent != nil {
		incumbent.Cancel()
	}
	c.registry.SendJSON(ctx, character, overlay.StopStream())
}

// Speak preempts any active generation for character, then acquires
// character's generation lock for the entire duration of gen, and records
// its outcome in Memory.
func (c *Coordinator) Speak(ctx context.Context, character string, gen Generation) error {
	slot := c.slotFor(character)

	c.preempt(ctx, character, slot)

	slot.genLock.Lock()
	defer slot.genLock.Unlock()

	slot.refMu.Lock()
	slot.active = gen
	slot.refMu.Unlock()

	fullText, err := gen.Run(ctx)

	slot.refMu.Lock()
	if slot.active == gen {
		slot.active = nil
	}
	slot.refMu.Unlock()

	if err != nil {
		slot.refMu.Lock()
		slot.pendingInterrupted = nil
		slot.refMu.Unlock()
		c.registry.SendJSON(ctx, character, overlay.StopStream())
		return fmt.Errorf("generation: %w", err)
	}

	if gen.IsCancelled() {
		handle, rerr := c.memory.RecordInterrupted(ctx, character, gen.GetSpokenText(), fullText)
		if rerr != nil {
			return fmt.Errorf("generation: record interrupted: %w", rerr)
		}
		slot.refMu.Lock()
		slot.pendingInterrupted = handle
		slot.refMu.Unlock()
		return nil
	}

	if rerr := c.memory.RecordCompleted(ctx, character, fullText); rerr != nil {
		return fmt.Errorf("generation: record completed: %w", rerr)
	}
	return nil
}

// ActiveGenerationInfo reports whether character currently has an active
// generation and, if so, the text spoken so far. Callers that need to
// report what was interrupted (e.g. a /stop endpoint) should read this
// before calling Stop.
func (c *Coordinator) ActiveGenerationInfo(character string) (spokenText string, active bool) {
	slot := c.slotFor(character)
	slot.refMu.Lock()
	defer slot.refMu.Unlock()
	if slot.active == nil {
		return "", false
	}
	return slot.active.GetSpokenText(), true
}

// Stop cancels character's active generation, if any, and issues
// stop_stream unconditionally (overlay audio may outlive the server-side
// generator), then takes character's generation lock to ensure the
// cancelled generation has actually finished before returning.
func (c *Coordinator) Stop(ctx context.Context, character string) {
	slot := c.slotFor(character)

	c.preempt(ctx, character, slot)

	slot.genLock.Lock()
	slot.genLock.Unlock()
}

// ReportStreamStopped is called when the overlay emits its authoritative
// stream_stopped event for character. If a pending-interrupted memory
// record exists for character, it is updated with spokenText and cleared.
// A stale or absent pending entry (the overlay never reports back, or
// reports after a later interrupt already overwrote it) is a silent no-op.
func (c *Coordinator) ReportStreamStopped(ctx context.Context, character, spokenText string) error {
	slot := c.slotFor(character)
	slot.refMu.Lock()
	defer slot.refMu.Unlock()

	if slot.pendingInterrupted == nil {
		return nil
	}
	handle := slot.pendingInterrupted
	slot.pendingInterrupted = nil
	if err := c.memory.Reconcile(ctx, handle, spokenText); err != nil {
		return fmt.Errorf("generation: reconcile: %w", err)
	}
	return nil
}
