package cairn

import (
	"context"
	"fmt"

	"github.com/docker/go-units"

	"github.com/cairnfs/cairn/pkg/model"
)

// VerifyIntegrity runs a full verification pass over every mapped
// block: recompute its content hash, heal corruption through the
// redundancy layer where possible, report what could not be healed.
// The pass checkpoints as it goes; cancelling and calling again
// resumes where it stopped.
func (v *Volume) VerifyIntegrity(ctx context.Context) (model.IntegrityReport, error) {
	if err := v.ready(); err != nil {
		return model.IntegrityReport{}, err
	}

	report, err := v.scrubber.Run(ctx)
	if err != nil {
		return report, err
	}
	if _, auditErr := v.audit.Append(
		fmt.Sprintf("verify checked=%d repaired=%d errors=%d",
			report.BlocksChecked, report.Repaired, len(report.Errors)),
		v.config.Actor); auditErr != nil {
		return report, auditErr
	}
	return report, nil
}

// AuditAppend records a caller-supplied event in the audit chain.
func (v *Volume) AuditAppend(event string) (model.AuditEntry, error) {
	if err := v.ready(); err != nil {
		return model.AuditEntry{}, err
	}
	return v.audit.Append(event, v.config.Actor)
}

// AuditVerify walks the audit chain from genesis. A broken chain
// returns the report alongside a ChainBrokenError naming the first bad
// entry. The verifier checks entry signatures and may be nil for
// unsigned logs.
func (v *Volume) AuditVerify(verifier Verifier) (model.AuditReport, error) {
	if err := v.ready(); err != nil {
		return model.AuditReport{}, err
	}
	report, err := v.audit.Verify(verifier)
	if err != nil {
		return model.AuditReport{}, err
	}
	if !report.Valid {
		return report, &model.ChainBrokenError{
			Index:  report.FirstBrokenIndex,
			Reason: report.BrokenReason,
		}
	}
	return report, nil
}

// Stats returns the volume accounting snapshot. Sizes are counted at
// block granularity: logical is what the mappings address, physical is
// what the device actually holds after deduplication.
func (v *Volume) Stats() (model.Stats, error) {
	if err := v.ready(); err != nil {
		return model.Stats{}, err
	}

	blockSize := uint64(v.config.BlockSize)
	logical := uint64(v.alloc.MappedBlocks()) * blockSize
	physical := v.alloc.UsedBlocks() * blockSize

	ratio := 0.0
	if physical > 0 {
		ratio = float64(logical) / float64(physical)
	}
	return model.Stats{
		LogicalSize:   logical,
		PhysicalSize:  physical,
		DedupRatio:    ratio,
		SnapshotCount: len(v.alloc.Snapshots()),
		FreeBlocks:    v.alloc.FreeBlocks(),
	}, nil
}

// FormatStats renders stats for humans.
func FormatStats(s model.Stats) string {
	return fmt.Sprintf("logical %s, physical %s, dedup ratio %.2f, %d snapshots, %d free blocks",
		units.BytesSize(float64(s.LogicalSize)),
		units.BytesSize(float64(s.PhysicalSize)),
		s.DedupRatio,
		s.SnapshotCount,
		s.FreeBlocks)
}
