package alloc

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cairnfs/cairn/internal/metastore"
	"github.com/cairnfs/cairn/pkg/model"
)

// The mapping is persisted as a version log: one record per mapping
// update, keyed by logical address then sequence number. The head
// resolves each logical address through its highest sequence; a
// snapshot resolves through the highest sequence at or below its
// watermark. Physical address zero is the superblock slot and never
// mapped, so it doubles as the tombstone value.
//
// Version keys sort so that one ordered scan yields, per logical
// address, its versions in ascending sequence order.

const versionSubPrefix = "map:"

func versionPrefix() []byte {
	return append([]byte(metastore.PrefixAlloc), versionSubPrefix...)
}

func versionKey(logical model.LogicalAddress, seq uint64) []byte {
	prefix := versionPrefix()
	key := make([]byte, len(prefix)+16)
	n := copy(key, prefix)
	binary.BigEndian.PutUint64(key[n:], uint64(logical))
	binary.BigEndian.PutUint64(key[n+8:], seq)
	return key
}

func versionValue(phys model.PhysicalAddress) []byte {
	return counterValue(uint64(phys))
}

func counterValue(v uint64) []byte {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, v)
	return value
}

func seqKey() []byte {
	return append([]byte(metastore.PrefixAlloc), "seq"...)
}

func epochKey() []byte {
	return append([]byte(metastore.PrefixAlloc), "epoch"...)
}

func loadCounter(store *metastore.Store, key []byte) (uint64, error) {
	raw, err := store.Get(key)
	if err == metastore.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("malformed counter at %q", key)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func storeCounter(store *metastore.Store, key []byte, value uint64) error {
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, value)
	return store.Set(key, raw)
}

// loadMappings replays the version log into the head mapping and one
// frozen mapping per watermark. Watermarks must be sorted ascending.
func loadMappings(store *metastore.Store, watermarks []uint64) (head Mapping, frozen []Mapping, err error) {
	head = NewMapping()
	frozen = make([]Mapping, len(watermarks))
	for i := range frozen {
		frozen[i] = NewMapping()
	}

	prefix := versionPrefix()
	var (
		current     model.LogicalAddress
		haveCurrent bool
		headPhys    model.PhysicalAddress
		frozenPhys  = make([]model.PhysicalAddress, len(watermarks))
	)
	flush := func() {
		if !haveCurrent {
			return
		}
		if headPhys != 0 {
			head = head.Set(current, headPhys)
		}
		for i, phys := range frozenPhys {
			if phys != 0 {
				frozen[i] = frozen[i].Set(current, phys)
			}
			frozenPhys[i] = 0
		}
		headPhys = 0
	}

	err = store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+16 || len(value) != 8 {
			return fmt.Errorf("malformed mapping version record %q", key)
		}
		logical := model.LogicalAddress(binary.BigEndian.Uint64(key[len(prefix):]))
		seq := binary.BigEndian.Uint64(key[len(prefix)+8:])
		phys := model.PhysicalAddress(binary.BigEndian.Uint64(value))

		if !haveCurrent || logical != current {
			flush()
			current = logical
			haveCurrent = true
		}
		headPhys = phys
		for i, wm := range watermarks {
			if seq <= wm {
				frozenPhys[i] = phys
			}
		}
		return nil
	})
	if err != nil {
		return Mapping{}, nil, err
	}
	flush()
	return head, frozen, nil
}

// pruneVersions deletes version records that neither the head nor any
// remaining watermark resolves through.
func pruneVersions(store *metastore.Store, watermarks []uint64) error {
	sorted := make([]uint64, len(watermarks))
	copy(sorted, watermarks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	prefix := versionPrefix()
	var (
		current     model.LogicalAddress
		haveCurrent bool
		group       [][]byte
		groupSeqs   []uint64
		doomed      [][]byte
	)
	flush := func() {
		if len(group) == 0 {
			return
		}
		keep := make(map[int]bool)
		keep[len(group)-1] = true
		for _, wm := range sorted {
			best := -1
			for i, seq := range groupSeqs {
				if seq <= wm {
					best = i
				}
			}
			if best >= 0 {
				keep[best] = true
			}
		}
		for i, key := range group {
			if !keep[i] {
				doomed = append(doomed, key)
			}
		}
		group = group[:0]
		groupSeqs = groupSeqs[:0]
	}

	err := store.IteratePrefix(prefix, func(key, value []byte) error {
		if len(key) != len(prefix)+16 {
			return fmt.Errorf("malformed mapping version record %q", key)
		}
		logical := model.LogicalAddress(binary.BigEndian.Uint64(key[len(prefix):]))
		seq := binary.BigEndian.Uint64(key[len(prefix)+8:])
		if !haveCurrent || logical != current {
			flush()
			current = logical
			haveCurrent = true
		}
		group = append(group, key)
		groupSeqs = append(groupSeqs, seq)
		return nil
	})
	if err != nil {
		return err
	}
	flush()

	for _, key := range doomed {
		if err := store.Delete(key); err != nil && err != metastore.ErrNotFound {
			return err
		}
	}
	return nil
}
