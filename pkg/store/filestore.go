package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/antnet/antnode/pkg/log"
	"github.com/antnet/antnode/pkg/types"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
)

var indexBucket = []byte("keys")

// fileRecord is the envelope persisted under record_store/<hex(key)>. The
// header fields are kept in the clear alongside the encrypted value so a
// full decrypt isn't required to rebuild the index.
type fileRecord struct {
	Kind        types.Kind
	ContentHash types.ID
	Publisher   *types.ID
	Expiry      *time.Time
	Nonce       []byte
	Ciphertext  []byte
}

// FileStore is the on-disk, file-per-key RecordStore implementation.
type FileStore struct {
	cfg  Config
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	local types.ID

	mu          sync.Mutex
	index       map[types.ID]types.KindSummary
	totalBytes  int64
	distCrossed bool
	farthest    types.ID // farthest distance currently tolerated, valid when distCrossed

	idx *bolt.DB

	consecutiveWriteErrors int
}

// Open creates or reopens a RecordStore rooted at cfg.StorageDir, wiping it
// first if the network_key_version has changed (spec.md §4.2).
func Open(cfg Config, local types.ID) (*FileStore, error) {
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create storage dir: %w", err)
	}
	if err := reconcileNetworkVersion(cfg.StorageDir, cfg.NetworkKeyVersion); err != nil {
		return nil, err
	}
	recordsDir := filepath.Join(cfg.StorageDir, "record_store")
	if err := os.MkdirAll(recordsDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create record_store dir: %w", err)
	}

	aead, err := chacha20poly1305.NewX(cfg.EncryptionSeed[:])
	if err != nil {
		// chacha20poly1305.NewX wants a 32-byte key; the encryption seed is
		// only 16 bytes (spec.md §4.2), so stretch it with SHA-256 first.
		stretched := sha256.Sum256(cfg.EncryptionSeed[:])
		aead, err = chacha20poly1305.NewX(stretched[:])
		if err != nil {
			return nil, fmt.Errorf("store: init AEAD: %w", err)
		}
	}

	idxPath := filepath.Join(cfg.StorageDir, "record_store_index.db")
	db, err := bolt.Open(idxPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open index cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init index bucket: %w", err)
	}

	fs := &FileStore{
		cfg:   cfg,
		aead:  aead,
		local: local,
		index: make(map[types.ID]types.KindSummary),
		idx:   db,
	}
	if err := fs.rebuildIndex(recordsDir); err != nil {
		db.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) recordsDir() string {
	return filepath.Join(fs.cfg.StorageDir, "record_store")
}

func (fs *FileStore) pathFor(key types.ID) string {
	return filepath.Join(fs.recordsDir(), hex.EncodeToString(key[:]))
}

// rebuildIndex walks the filesystem and treats it as authoritative over the
// bbolt cache, satisfying "index membership iff file presence" even if the
// cache is stale or missing.
func (fs *FileStore) rebuildIndex(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("store: list record_store: %w", err)
	}
	return fs.idx.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		cached := map[types.ID]types.KindSummary{}
		_ = b.ForEach(func(k, v []byte) error {
			var key types.ID
			copy(key[:], k)
			var s types.KindSummary
			if err := json.Unmarshal(v, &s); err == nil {
				cached[key] = s
			}
			return nil
		})

		onDisk := map[types.ID]bool{}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			raw, err := hex.DecodeString(e.Name())
			if err != nil || len(raw) != types.IDLen {
				continue
			}
			var key types.ID
			copy(key[:], raw)
			onDisk[key] = true

			if summary, ok := cached[key]; ok {
				fs.index[key] = summary
				continue
			}
			rec, err := fs.readFile(filepath.Join(dir, e.Name()))
			if err != nil {
				log.WithComponent("store").Warn().Str("key", key.String()).Err(err).Msg("dropping unreadable record during index rebuild")
				_ = os.Remove(filepath.Join(dir, e.Name()))
				continue
			}
			summary := types.KindSummary{Kind: rec.Kind, ContentHash: rec.ContentHash}
			fs.index[key] = summary
			data, _ := json.Marshal(summary)
			_ = b.Put(key[:], data)
			fs.totalBytes += int64(len(rec.Value))
		}
		for key := range cached {
			if !onDisk[key] {
				_ = b.Delete(key[:])
			}
		}
		for key := range fs.index {
			if !onDisk[key] {
				delete(fs.index, key)
			}
		}
		return nil
	})
}

func (fs *FileStore) nonceFor(key types.ID) []byte {
	h := sha256.Sum256(append(key[:], fs.cfg.EncryptionSeed[:]...))
	return h[:chacha20poly1305.NonceSizeX]
}

// Put validates, encrypts, and atomically persists rec.
func (fs *FileStore) Put(rec *types.Record) error {
	if rec.Kind.HasPayment() {
		return ErrPaymentKind
	}
	if len(rec.Value) > fs.cfg.MaxValueBytes {
		return ErrValueTooLarge
	}
	if rec.Kind == types.KindChunk {
		if rec.Key != types.KeyFromContent(rec.Value) {
			return ErrContentHashMismatch
		}
	}

	fs.mu.Lock()
	_, already := fs.index[rec.Key]
	fs.mu.Unlock()

	if !already {
		if err := fs.makeRoom(rec); err != nil {
			return err
		}
	}

	if err := fs.writeFile(rec); err != nil {
		fs.mu.Lock()
		fs.consecutiveWriteErrors++
		fs.mu.Unlock()
		return fmt.Errorf("store: write record: %w", err)
	}

	fs.mu.Lock()
	fs.consecutiveWriteErrors = 0
	if !already {
		fs.totalBytes += int64(len(rec.Value))
	}
	fs.index[rec.Key] = types.KindSummary{Kind: rec.Kind, ContentHash: rec.ContentHash}
	fs.mu.Unlock()

	return fs.idx.Update(func(tx *bolt.Tx) error {
		data, _ := json.Marshal(types.KindSummary{Kind: rec.Kind, ContentHash: rec.ContentHash})
		return tx.Bucket(indexBucket).Put(rec.Key[:], data)
	})
}

// ConsecutiveWriteErrors reports the running count of back-to-back write
// failures, used by the driver to trigger self-termination past
// MAX_CONTINUOUS_HDD_WRITE_ERROR (spec.md §4.2).
func (fs *FileStore) ConsecutiveWriteErrors() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.consecutiveWriteErrors
}

// writeFile persists rec atomically: write-temp-then-rename with fsync on
// the containing directory, mirroring the durability idiom of
// warren/pkg/storage's bbolt-backed writes (bbolt itself fsyncs; here we do
// it by hand since records are plain files).
func (fs *FileStore) writeFile(rec *types.Record) error {
	nonce := fs.nonceFor(rec.Key)
	ciphertext := fs.aead.Seal(nil, nonce, rec.Value, rec.Key[:])

	fr := fileRecord{
		Kind:        rec.Kind,
		ContentHash: rec.ContentHash,
		Publisher:   rec.Publisher,
		Expiry:      rec.Expiry,
		Nonce:       nonce,
		Ciphertext:  ciphertext,
	}
	data, err := json.Marshal(fr)
	if err != nil {
		return err
	}

	dir := fs.recordsDir()
	tmp, err := os.CreateTemp(dir, "."+hex.EncodeToString(rec.Key[:])+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, fs.pathFor(rec.Key)); err != nil {
		os.Remove(tmpName)
		return err
	}
	if dirF, err := os.Open(dir); err == nil {
		_ = dirF.Sync()
		dirF.Close()
	}
	return nil
}

func (fs *FileStore) readFile(path string) (*types.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, err
	}
	var key types.ID
	raw, err := hex.DecodeString(filepath.Base(path))
	if err == nil {
		copy(key[:], raw)
	}
	plaintext, err := fs.aead.Open(nil, fr.Nonce, fr.Ciphertext, key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
	}
	if fr.Kind == types.KindChunk && key != types.KeyFromContent(plaintext) {
		return nil, ErrIntegrityMismatch
	}
	return &types.Record{
		Key:         key,
		Value:       plaintext,
		Kind:        fr.Kind,
		Publisher:   fr.Publisher,
		Expiry:      fr.Expiry,
		ContentHash: fr.ContentHash,
	}, nil
}

// Get reads and decrypts the record for key, revalidating integrity.
func (fs *FileStore) Get(key types.ID) (*types.Record, bool, error) {
	fs.mu.Lock()
	_, ok := fs.index[key]
	fs.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	rec, err := fs.readFile(fs.pathFor(key))
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Remove deletes key's file and index entry. Idempotent.
func (fs *FileStore) Remove(key types.ID) error {
	fs.mu.Lock()
	_, ok := fs.index[key]
	if ok {
		delete(fs.index, key)
	}
	fs.mu.Unlock()
	if !ok {
		return nil
	}

	if rec, err := fs.readFile(fs.pathFor(key)); err == nil {
		fs.mu.Lock()
		fs.totalBytes -= int64(len(rec.Value))
		fs.mu.Unlock()
	}

	if err := os.Remove(fs.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove record file: %w", err)
	}
	return fs.idx.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(key[:])
	})
}

// RecordAddresses returns a snapshot of held keys for replication.
func (fs *FileStore) RecordAddresses() map[types.ID]types.KindSummary {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make(map[types.ID]types.KindSummary, len(fs.index))
	for k, v := range fs.index {
		out[k] = v
	}
	return out
}

// StoreCost implements the pricing contract in spec.md §4.2.
func (fs *FileStore) StoreCost(key types.ID) Price {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.index[key]; ok {
		return 0
	}
	fill := fillRatio(len(fs.index), fs.cfg.MaxRecords, fs.totalBytes, fs.cfg.MaxTotalBytes)
	return priceCurve(fill)
}

// PaymentReceived is a pricing hook allowing transient price decay; the
// store doesn't require it for correctness, so the default implementation
// is a deliberate no-op that callers may still invoke safely.
func (fs *FileStore) PaymentReceived() {}

// Cleanup removes records whose expiry has passed.
func (fs *FileStore) Cleanup() (int, error) {
	now := time.Now()
	fs.mu.Lock()
	var expired []types.ID
	for key := range fs.index {
		rec, err := fs.readFile(fs.pathFor(key))
		if err != nil {
			continue
		}
		if rec.Expired(now) {
			expired = append(expired, key)
		}
	}
	fs.mu.Unlock()

	for _, key := range expired {
		if err := fs.Remove(key); err != nil {
			return len(expired), err
		}
	}
	return len(expired), nil
}

// DistanceRange returns the farthest distance the store currently tolerates.
func (fs *FileStore) DistanceRange() (types.ID, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.farthest, fs.distCrossed
}

// makeRoom enforces the eviction policy: expire first, then evict farthest,
// refusing the incoming record if it is farther than everything held.
func (fs *FileStore) makeRoom(rec *types.Record) error {
	if _, err := fs.Cleanup(); err != nil {
		return err
	}

	fs.mu.Lock()
	overCount := fs.cfg.MaxRecords > 0 && len(fs.index) >= fs.cfg.MaxRecords
	overBytes := fs.cfg.MaxTotalBytes > 0 && fs.totalBytes+int64(len(rec.Value)) > fs.cfg.MaxTotalBytes
	if !overCount && !overBytes {
		fs.mu.Unlock()
		return nil
	}

	type distKey struct {
		key  types.ID
		dist types.ID
	}
	all := make([]distKey, 0, len(fs.index))
	for key := range fs.index {
		all = append(all, distKey{key: key, dist: fs.local.Distance(key)})
	}
	sort.Slice(all, func(i, j int) bool { return all[j].dist.Less(all[i].dist) }) // farthest first
	fs.mu.Unlock()

	if len(all) == 0 {
		return nil
	}
	incomingDist := fs.local.Distance(rec.Key)
	if !incomingDist.Less(all[0].dist) {
		return ErrCapExceeded
	}

	if err := fs.Remove(all[0].key); err != nil {
		return err
	}

	fs.mu.Lock()
	fs.distCrossed = true
	if len(all) > 1 {
		fs.farthest = all[1].dist
	} else {
		fs.farthest = incomingDist
	}
	fs.mu.Unlock()
	return nil
}

// Close releases the index cache handle.
func (fs *FileStore) Close() error {
	return fs.idx.Close()
}

var _ RecordStore = (*FileStore)(nil)
