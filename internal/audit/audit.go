// Package audit implements the tamper-evident audit log: an
// append-only sequence of hash-chained entries recording every
// structural mutation of the volume.
//
// Each entry is hashed over the Core Deterministic CBOR encoding
// (RFC 8949 §4.2) of all fields except the hash and signature, so independent
// implementations compute identical hashes for identical logical
// content. There is no API to modify or remove an entry; durability of
// the log is structural, not policy.
package audit

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/hashing"
	"github.com/cairnfs/cairn/pkg/model"
)

// Genesis is the fixed previousHash of entry 0.
var Genesis = hashing.AuditSum([]byte("cairn audit genesis"))

// Signer optionally signs each entry hash. Implementations delegate to
// a vetted external asymmetric-crypto capability; the engine only
// defines the contract.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Verifier checks a detached signature produced by the matching
// Signer.
type Verifier interface {
	Verify(digest, signature []byte) error
}

// encMode is the deterministic CBOR encoder shared by all logs:
// sorted map keys, smallest integer encoding, no indefinite lengths.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
}

// Log is the append-only hash chain. Appends are strictly serialized
// by a single mutex, which guarantees index and linkage correctness;
// entries are small metadata, so contention stays low.
type Log struct {
	store  *metastore.Store
	signer Signer

	mu   sync.Mutex
	next uint64
	tip  hashing.Hash
}

// Open restores the chain tip from the metadata store. A fresh store
// starts at index 0 with the genesis constant as tip.
func Open(store *metastore.Store, signer Signer) (*Log, error) {
	l := &Log{
		store:  store,
		signer: signer,
		tip:    Genesis,
	}

	err := store.IteratePrefix([]byte(metastore.PrefixAudit), func(key, value []byte) error {
		entry, err := decodeEntry(value)
		if err != nil {
			return err
		}
		if entry.Index+1 > l.next {
			l.next = entry.Index + 1
			l.tip = entry.Hash
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: restore chain tip: %w", err)
	}
	return l, nil
}

// Append adds an entry for event/actor and returns it. The entry hash
// covers the canonical serialization of every field except the hash
// and signature; previousHash is the current chain tip.
func (l *Log) Append(event, actor string) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := model.AuditEntry{
		Index:        l.next,
		Timestamp:    time.Now().UnixMilli(),
		Event:        event,
		Actor:        actor,
		PreviousHash: l.tip,
	}

	digest, err := entryDigest(entry)
	if err != nil {
		return model.AuditEntry{}, err
	}
	entry.Hash = digest

	if l.signer != nil {
		sig, err := l.signer.Sign(digest[:])
		if err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: sign entry %d: %w", entry.Index, err)
		}
		entry.Signature = sig
	}

	if err := l.persist(entry); err != nil {
		return model.AuditEntry{}, err
	}

	l.next = entry.Index + 1
	l.tip = entry.Hash
	return entry, nil
}

// Verify walks the chain from genesis, recomputing each entry's hash
// and checking previousHash linkage. The report carries the first
// index where either check fails.
func (l *Log) Verify(verifier Verifier) (model.AuditReport, error) {
	l.mu.Lock()
	count := l.next
	l.mu.Unlock()

	report := model.AuditReport{Valid: true, Entries: count}
	prev := Genesis

	for i := uint64(0); i < count; i++ {
		entry, err := l.Entry(i)
		if err != nil {
			return model.AuditReport{}, err
		}

		broken := ""
		switch {
		case entry.Index != i:
			broken = fmt.Sprintf("index %d stored at position %d", entry.Index, i)
		case entry.PreviousHash != prev:
			broken = "previous-hash linkage mismatch"
		default:
			digest, err := entryDigest(entry)
			if err != nil {
				return model.AuditReport{}, err
			}
			if digest != entry.Hash {
				broken = "entry hash mismatch"
			} else if verifier != nil && len(entry.Signature) > 0 {
				if err := verifier.Verify(digest[:], entry.Signature); err != nil {
					broken = fmt.Sprintf("signature: %v", err)
				}
			}
		}

		if broken != "" {
			report.Valid = false
			report.FirstBrokenIndex = i
			report.BrokenReason = broken
			return report, nil
		}
		prev = entry.Hash
	}
	return report, nil
}

// Entry loads one persisted entry by index.
func (l *Log) Entry(index uint64) (model.AuditEntry, error) {
	value, err := l.store.Get(entryKey(index))
	if errors.Is(err, metastore.ErrNotFound) {
		return model.AuditEntry{}, fmt.Errorf("audit: entry %d missing", index)
	}
	if err != nil {
		return model.AuditEntry{}, err
	}
	return decodeEntry(value)
}

// Len returns the number of entries appended so far.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next
}

// Tip returns the current chain tip hash.
func (l *Log) Tip() hashing.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tip
}

// entryDigest hashes the canonical serialization of all fields except
// Hash and Signature. The signature is computed over the hash, so it
// can never be part of its own preimage.
func entryDigest(entry model.AuditEntry) (hashing.Hash, error) {
	entry.Hash = hashing.Hash{}
	entry.Signature = nil
	canonical, err := encMode.Marshal(entry)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("audit: canonical encode entry %d: %w", entry.Index, err)
	}
	return hashing.AuditSum(canonical), nil
}

// persisted is the stored envelope: the entry plus its chain hash.
type persisted struct {
	Entry model.AuditEntry `cbor:"1,keyasint"`
	Hash  hashing.Hash     `cbor:"2,keyasint"`
}

func (l *Log) persist(entry model.AuditEntry) error {
	blob, err := encMode.Marshal(persisted{Entry: entry, Hash: entry.Hash})
	if err != nil {
		return fmt.Errorf("audit: encode entry %d: %w", entry.Index, err)
	}
	if err := l.store.Set(entryKey(entry.Index), blob); err != nil {
		return fmt.Errorf("audit: persist entry %d: %w", entry.Index, err)
	}
	return nil
}

func decodeEntry(value []byte) (model.AuditEntry, error) {
	var p persisted
	if err := cbor.Unmarshal(value, &p); err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit: decode entry: %w", err)
	}
	p.Entry.Hash = p.Hash
	return p.Entry, nil
}

func entryKey(index uint64) []byte {
	key := make([]byte, 0, len(metastore.PrefixAudit)+8)
	key = append(key, metastore.PrefixAudit...)
	key = binary.BigEndian.AppendUint64(key, index)
	return key
}
