package dualwrite

import (
	"context"
	"fmt"

	"github.com/orneryd/fingraph/pkg/wal"
)

// Policy decides what Recover does with in-doubt transactions.
type Policy string

const (
	// RecoverRedo re-applies the journaled operation to both backends and
	// checkpoints the transaction.
	RecoverRedo Policy = "redo"
	// RecoverDiscard marks the transaction aborted without touching either
	// backend.
	RecoverDiscard Policy = "discard"
)

// ParsePolicy parses a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case RecoverRedo, RecoverDiscard:
		return Policy(s), nil
	}
	return "", fmt.Errorf("dualwrite: unknown recovery policy %q", s)
}

// Report is the outcome of one recovery pass.
type Report struct {
	Policy Policy `json:"policy"`
	// Redone were re-applied and checkpointed.
	Redone []string `json:"redone"`
	// Discarded already carried an ABORT entry or were aborted by this pass.
	Discarded []string `json:"discarded"`
	// InFlight are still active in this process and were left alone.
	InFlight []string `json:"in_flight"`
	// Failed could not be redone and stay in doubt.
	Failed map[string]string `json:"failed"`
	// Corrupted counts WAL lines that failed to decode or verify.
	Corrupted int `json:"corrupted"`
}

// Recover resolves every transaction in the WAL without a COMMIT entry.
// Run it at startup, before new writes arrive.
func (c *Coordinator) Recover(ctx context.Context, policy Policy) (Report, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return Report{}, err
	}
	res, err := c.log.Read()
	if err != nil {
		return Report{}, fmt.Errorf("dualwrite: read wal: %w", err)
	}
	report := Report{Policy: policy, Failed: map[string]string{}, Corrupted: res.Corrupted}
	ids, pending := wal.Uncommitted(res.Entries)

	for _, txID := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, active := c.tm.Get(txID); active {
			report.InFlight = append(report.InFlight, txID)
			continue
		}
		entries := pending[txID]
		if aborted(entries) {
			report.Discarded = append(report.Discarded, txID)
			continue
		}
		log := c.logger.With("txid", txID, "policy", string(policy))

		op, ok := journaledOperation(entries)
		if !ok || policy == RecoverDiscard {
			reason := "recovery: discarded"
			if !ok {
				reason = "recovery: no operation journaled"
			}
			if _, err := c.log.Append(wal.Abort, txID, map[string]any{"reason": reason}); err != nil {
				report.Failed[txID] = err.Error()
				continue
			}
			log.Info("in-doubt transaction discarded", "reason", reason)
			report.Discarded = append(report.Discarded, txID)
			continue
		}

		if err := c.redo(ctx, op); err != nil {
			log.Warn("redo failed, transaction stays in doubt", "operation", string(op.Op), "error", err)
			report.Failed[txID] = err.Error()
			continue
		}
		if _, err := c.log.Checkpoint(txID); err != nil {
			report.Failed[txID] = err.Error()
			continue
		}
		log.Info("in-doubt transaction redone", "operation", string(op.Op))
		report.Redone = append(report.Redone, txID)
	}

	c.logger.Info("recovery finished",
		"policy", string(policy),
		"redone", len(report.Redone),
		"discarded", len(report.Discarded),
		"failed", len(report.Failed),
		"corrupted", report.Corrupted)
	return report, nil
}

func (c *Coordinator) redo(ctx context.Context, op Operation) error {
	if err := Apply(ctx, c.primary, op); err != nil {
		return fmt.Errorf("%s: %w", c.primary.Name(), err)
	}
	if err := Apply(ctx, c.secondary, op); err != nil {
		return fmt.Errorf("%s: %w", c.secondary.Name(), err)
	}
	return nil
}

func aborted(entries []wal.Entry) bool {
	for _, e := range entries {
		if e.Type == wal.Abort {
			return true
		}
	}
	return false
}

// journaledOperation returns the first OPERATION entry that describes a
// mutation.
func journaledOperation(entries []wal.Entry) (Operation, bool) {
	for _, e := range entries {
		if e.Type != wal.Operation {
			continue
		}
		var op Operation
		if err := e.Decode(&op); err != nil || op.Op == "" {
			continue
		}
		return op, true
	}
	return Operation{}, false
}
