// Package scrub walks the volume's logical addresses in the background
// verifying every mapped block, healing what the redundancy layer can
// reconstruct. Progress is checkpointed after every block, so an
// interrupted pass resumes where it stopped instead of starting over.
package scrub

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/model"
)

// VerifyFunc checks one logical address and repairs it if possible.
// Returning (true, nil) means the block was corrupt and healed;
// (false, nil) means it was clean.
type VerifyFunc func(ctx context.Context, logical model.LogicalAddress) (repaired bool, err error)

// NextFunc returns the first mapped logical address strictly greater
// than after, walking the mapping in ascending order. start is true
// for the first call of a pass, which must return the lowest mapped
// address.
type NextFunc func(after model.LogicalAddress, start bool) (model.LogicalAddress, bool)

// Config configures a scrubber.
type Config struct {
	Store  *metastore.Store
	Logger *slog.Logger
	Verify VerifyFunc
	Next   NextFunc

	// Throttle is the pause between blocks, keeping a pass from
	// starving foreground reads. Zero means no pause.
	Throttle time.Duration
}

// Scrubber runs checkpointed verification passes.
type Scrubber struct {
	log      *slog.Logger
	store    *metastore.Store
	verify   VerifyFunc
	next     NextFunc
	throttle time.Duration
}

// New returns a scrubber.
func New(config Config) *Scrubber {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scrubber{
		log:      config.Logger,
		store:    config.Store,
		verify:   config.Verify,
		next:     config.Next,
		throttle: config.Throttle,
	}
}

func cursorKey() []byte {
	return append([]byte(metastore.PrefixScrub), "cursor"...)
}

// checkpoint returns the persisted resume point of an interrupted
// pass, if any.
func (s *Scrubber) checkpoint() (model.LogicalAddress, bool, error) {
	raw, err := s.store.Get(cursorKey())
	if err == metastore.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("scrub: malformed cursor")
	}
	return model.LogicalAddress(binary.BigEndian.Uint64(raw)), true, nil
}

func (s *Scrubber) saveCheckpoint(logical model.LogicalAddress) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, uint64(logical))
	return s.store.Set(cursorKey(), raw)
}

func (s *Scrubber) clearCheckpoint() error {
	return s.store.Delete(cursorKey())
}

// Run executes one verification pass, resuming from the checkpoint of
// an interrupted pass when there is one. Cancelling the context stops
// the pass after the current block; the checkpoint stays so the next
// Run continues from there.
func (s *Scrubber) Run(ctx context.Context) (model.IntegrityReport, error) {
	var report model.IntegrityReport

	cursor, resuming, err := s.checkpoint()
	if err != nil {
		return report, fmt.Errorf("scrub: reading checkpoint: %w", err)
	}
	if resuming {
		s.log.Info("resuming interrupted scrub", "cursor", cursor)
	}

	logical, ok := s.next(cursor, !resuming)
	for ok {
		if err := ctx.Err(); err != nil {
			s.log.Info("scrub interrupted", "checked", report.BlocksChecked, "cursor", logical)
			return report, err
		}

		repaired, err := s.verify(ctx, logical)
		report.BlocksChecked++
		if repaired {
			report.Repaired++
			s.log.Warn("scrub healed corrupt block", "logical", logical)
		}
		if err != nil {
			report.Errors = append(report.Errors, err)
			s.log.Error("scrub found unhealable block", "logical", logical, "error", err)
		}

		if err := s.saveCheckpoint(logical); err != nil {
			return report, fmt.Errorf("scrub: saving checkpoint: %w", err)
		}
		if s.throttle > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(s.throttle):
			}
		}
		logical, ok = s.next(logical, false)
	}

	if err := s.clearCheckpoint(); err != nil {
		return report, fmt.Errorf("scrub: clearing checkpoint: %w", err)
	}
	s.log.Info("scrub pass complete",
		"checked", report.BlocksChecked,
		"repaired", report.Repaired,
		"errors", len(report.Errors))
	return report, nil
}
