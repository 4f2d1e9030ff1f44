// Package checkpoint persists context snapshots in LevelDB. Page contents are
// stored once per distinct BLAKE2b digest and verified on load.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jam-duna/x86emu/common"
	"github.com/jam-duna/x86emu/emu"
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/mem"
	"github.com/jam-duna/x86emu/regs"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	snapPrefix = []byte("snap:")
	pagePrefix = []byte("page:")
)

// PageRecord describes one guest page of a snapshot. Pages that were mapped
// but never written have a zero Hash and no stored contents.
type PageRecord struct {
	Tag  uint32      `json:"tag"`
	Perm mem.Perm    `json:"perm"`
	Hash common.Hash `json:"hash"`
}

// Snapshot is the saved architectural state of one context.
type Snapshot struct {
	Name         string            `json:"name"`
	Pid          int               `json:"pid"`
	Exe          string            `json:"exe"`
	State        string            `json:"state"`
	Instructions uint64            `json:"instructions"`
	Created      time.Time         `json:"created"`
	Regs         regs.RegisterFile `json:"regs"`
	HeapBreak    uint32            `json:"heap_break"`
	Pages        []PageRecord      `json:"pages"`
	Root         common.Hash       `json:"root"`
}

// computeRoot hashes the page table so two snapshots can be compared
// without looking at page contents.
func (s *Snapshot) computeRoot() common.Hash {
	buf := make([]byte, 0, len(s.Pages)*(4+1+common.HashLength))
	for _, p := range s.Pages {
		buf = append(buf, common.Uint32ToBytes(p.Tag)...)
		buf = append(buf, byte(p.Perm))
		buf = append(buf, p.Hash.Bytes()...)
	}
	return common.Blake2Hash(buf)
}

// Store wraps a LevelDB database holding snapshots and page contents.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the database at path. An empty path opens an
// in-memory database.
func Open(path string) (*Store, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func snapKey(name string) []byte {
	return append(append([]byte{}, snapPrefix...), name...)
}

func pageKey(h common.Hash) []byte {
	return append(append([]byte{}, pagePrefix...), h.Bytes()...)
}

// Save records the registers and memory of c under name, replacing any
// snapshot with the same name.
func (s *Store) Save(name string, c *emu.Context) (*Snapshot, error) {
	if c.GetState(emu.StateSpecMode) {
		return nil, fmt.Errorf("save %s: context %d is speculative", name, c.Pid())
	}
	m := c.Memory()
	snap := &Snapshot{
		Name:         name,
		Pid:          c.Pid(),
		State:        c.State().String(),
		Instructions: c.Instructions(),
		Created:      time.Now().UTC(),
		Regs:         *c.Regs(),
		HeapBreak:    m.HeapBreak,
	}
	if l := c.Loader(); l != nil {
		snap.Exe = l.Exe
	}

	batch := new(leveldb.Batch)
	stored := 0
	for _, tag := range m.PageTags() {
		p := m.Page(tag)
		rec := PageRecord{Tag: tag, Perm: p.Perm}
		if p.Data != nil {
			rec.Hash = common.Blake2Hash(p.Data)
			key := pageKey(rec.Hash)
			if ok, err := s.db.Has(key, nil); err != nil {
				return nil, fmt.Errorf("save %s: %w", name, err)
			} else if !ok {
				batch.Put(key, p.Data)
				stored++
			}
		}
		snap.Pages = append(snap.Pages, rec)
	}
	snap.Root = snap.computeRoot()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", name, err)
	}
	batch.Put(snapKey(name), data)
	if err := s.db.Write(batch, nil); err != nil {
		return nil, fmt.Errorf("save %s: %w", name, err)
	}
	log.Debug(log.CheckpointMonitoring, "checkpoint saved", "name", name, "pid", snap.Pid, "pages", len(snap.Pages), "new_pages", stored, "root", snap.Root)
	return snap, nil
}

// Load reads the snapshot metadata stored under name.
func (s *Store) Load(name string) (*Snapshot, error) {
	data, err := s.db.Get(snapKey(name), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", emuerrors.ErrCheckpointNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	return &snap, nil
}

// PageData returns the verified contents of a snapshot page.
func (s *Store) PageData(rec PageRecord) ([]byte, error) {
	if common.IsNilHash(rec.Hash) {
		return nil, nil
	}
	data, err := s.db.Get(pageKey(rec.Hash), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: page 0x%08x missing", emuerrors.ErrCheckpointCorrupt, rec.Tag)
	}
	if err != nil {
		return nil, err
	}
	if common.Blake2Hash(data) != rec.Hash {
		return nil, fmt.Errorf("%w: page 0x%08x", emuerrors.ErrCheckpointCorrupt, rec.Tag)
	}
	return data, nil
}

// Restore replaces the registers and memory of c with the snapshot stored
// under name. Every page is verified before c is touched.
func (s *Store) Restore(name string, c *emu.Context) (*Snapshot, error) {
	if c.GetState(emu.StateSpecMode) {
		return nil, fmt.Errorf("restore %s: context %d is speculative", name, c.Pid())
	}
	snap, err := s.Load(name)
	if err != nil {
		return nil, err
	}
	if snap.computeRoot() != snap.Root {
		return nil, fmt.Errorf("%w: %s: page table root mismatch", emuerrors.ErrCheckpointCorrupt, name)
	}
	contents := make([][]byte, len(snap.Pages))
	for i, rec := range snap.Pages {
		if contents[i], err = s.PageData(rec); err != nil {
			return nil, fmt.Errorf("restore %s: %w", name, err)
		}
	}

	m := c.Memory()
	for _, tag := range m.PageTags() {
		m.Unmap(tag, mem.PageSize)
	}
	for i, rec := range snap.Pages {
		m.SetPage(rec.Tag, rec.Perm, contents[i])
	}
	m.HeapBreak = snap.HeapBreak
	m.ClearDirty()
	*c.Regs() = snap.Regs
	log.Debug(log.CheckpointMonitoring, "checkpoint restored", "name", name, "pid", c.Pid(), "eip", fmt.Sprintf("0x%x", snap.Regs.Eip))
	return snap, nil
}

// List returns the stored snapshot names in key order.
func (s *Store) List() ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix(snapPrefix), nil)
	defer iter.Release()
	var names []string
	for iter.Next() {
		names = append(names, string(iter.Key()[len(snapPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return names, nil
}

// Delete removes the snapshot metadata. Page contents may be shared with
// other snapshots and are kept.
func (s *Store) Delete(name string) error {
	if ok, err := s.db.Has(snapKey(name), nil); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", emuerrors.ErrCheckpointNotFound, name)
	}
	return s.db.Delete(snapKey(name), nil)
}
