package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/cairnfs/cairn"
	"github.com/cairnfs/cairn/pkg/model"
)

func main() {
	fmt.Println("Starting cairn example")

	absPath, _ := filepath.Abs("ExamplePath/" + time.Now().Format("20060102-150405"))

	config := cairn.DefaultConfig()
	config.Path = absPath
	config.TotalBlocks = 4096
	config.Redundancy = model.RedundancyXOR
	config.StripeData = 7
	config.StripeParity = 1

	vol, err := cairn.New(config)
	if err != nil {
		log.Fatalf("Failed to create volume: %s", err)
	}

	ctx := context.Background()
	if err := vol.Start(ctx); err != nil {
		log.Fatalf("Failed to start volume: %s", err)
	}
	defer vol.Close()

	// Write a few blocks, two of them identical to show dedup.
	for i, payload := range []string{"alpha", "beta", "alpha", "gamma"} {
		result, err := vol.Write(ctx, model.LogicalAddress(i), []byte(payload))
		if err != nil {
			log.Fatalf("Write failed: %s", err)
		}
		fmt.Printf("wrote logical %d -> physical %d (dedup=%t)\n", i, result.Physical, result.Deduplicated)
	}

	// Snapshot, overwrite, roll back.
	snap, err := vol.CreateSnapshot(ctx, "before-edit")
	if err != nil {
		log.Fatalf("Snapshot failed: %s", err)
	}
	fmt.Println("created snapshot", snap.ID)

	if _, err := vol.Write(ctx, 0, []byte("edited")); err != nil {
		log.Fatalf("Overwrite failed: %s", err)
	}

	if err := vol.Rollback(ctx, snap.ID); err != nil {
		log.Fatalf("Rollback failed: %s", err)
	}
	data, err := vol.Read(ctx, 0)
	if err != nil {
		log.Fatalf("Read failed: %s", err)
	}
	fmt.Printf("after rollback logical 0 reads %q\n", data)

	// Scrub the whole volume.
	report, err := vol.VerifyIntegrity(ctx)
	if err != nil {
		log.Fatalf("Verify failed: %s", err)
	}
	fmt.Printf("scrub checked %d blocks, repaired %d\n", report.BlocksChecked, report.Repaired)

	// Walk the audit chain.
	auditReport, err := vol.AuditVerify(nil)
	if err != nil {
		log.Fatalf("Audit verify failed: %s", err)
	}
	fmt.Printf("audit chain valid=%t entries=%d\n", auditReport.Valid, auditReport.Entries)

	stats, err := vol.Stats()
	if err != nil {
		log.Fatalf("Stats failed: %s", err)
	}
	fmt.Println(cairn.FormatStats(stats))
}
