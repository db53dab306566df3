package core

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Storage key prefixes. The backend itself is an opaque key-value store;
// this module only defines the prefix contract and the encoding layered
// on top of it.
const (
	PrefixBlock         = "block:"
	PrefixHeight        = "height:"
	KeyLatest           = "latest"
	PrefixWallet        = "wallet:"
	PrefixTx            = "tx:"
	PrefixTxIndex       = "txindex:"
	PrefixSlash         = "slash:"
	PrefixGovProposal   = "gov:proposal:"
	PrefixGovVotes      = "gov:votes:"
	KeyGovState         = "gov:state"
	KeyStakingState     = "staking:state"
)

// CompactionInterval triggers auto-compaction every 10,000 blocks written.
const CompactionInterval = 10_000

const (
	storageEncryptionContext = "sultan-storage-encryption-v1"
	storageEncryptionSalt    = "sultan-l1-blockchain-storage"
)

// KVStore is the opaque key-value contract the core depends on: get,
// set, delete, and prefix iteration with atomic batch writes.
type KVStore interface {
	Get(key []byte) ([]byte, bool, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	IteratePrefix(prefix []byte, fn func(key, value []byte) error) error
	BatchWrite(entries map[string][]byte, deletes []string) error
}

// InMemoryKV is a map-backed KVStore used by tests and as a default for
// environments without a real backend wired in.
type InMemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewInMemoryKV constructs an empty in-memory store.
func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{data: make(map[string][]byte)}
}

func (s *InMemoryKV) Get(key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (s *InMemoryKV) Set(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[string(key)] = cp
	return nil
}

func (s *InMemoryKV) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *InMemoryKV) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0)
	for k := range s.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = s.data[k]
	}
	s.mu.RUnlock()
	for _, k := range keys {
		if err := fn([]byte(k), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryKV) BatchWrite(entries map[string][]byte, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	for _, k := range deletes {
		delete(s.data, k)
	}
	return nil
}

// Storage layers the block/proposal/vote/state encoding, optional
// per-value AES-256-GCM encryption, and compaction triggering on top of
// a KVStore.
type Storage struct {
	kv           KVStore
	encKey       []byte // derived AEAD key, nil when encryption disabled
	blocksWritten uint64
	onCompact    func() error
}

// NewStorage constructs a Storage. If keyMaterial is non-nil, per-value
// encryption is enabled using a key derived via HKDF-SHA256 from it.
func NewStorage(kv KVStore, keyMaterial []byte) (*Storage, error) {
	s := &Storage{kv: kv}
	if keyMaterial != nil {
		key, err := deriveStorageKey(keyMaterial)
		if err != nil {
			return nil, err
		}
		s.encKey = key
	}
	return s, nil
}

// SetCompactionHook registers a callback invoked every CompactionInterval
// blocks written (actual compaction policy is the opaque backend's
// concern).
func (s *Storage) SetCompactionHook(fn func() error) { s.onCompact = fn }

func deriveStorageKey(keyMaterial []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, keyMaterial, []byte(storageEncryptionSalt), []byte(storageEncryptionContext))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive storage key: %v", ErrDurability, err)
	}
	return key, nil
}

// encrypt returns nonce(12) || ciphertext || tag(16).
func (s *Storage) encrypt(plaintext []byte) ([]byte, error) {
	if s.encKey == nil {
		return plaintext, nil
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher: %v", ErrDurability, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrDurability, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce generation: %v", ErrDurability, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encrypt; a no-op when encryption is disabled.
func (s *Storage) decrypt(data []byte) ([]byte, error) {
	if s.encKey == nil {
		return data, nil
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: aes cipher: %v", ErrDurability, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: gcm: %v", ErrDurability, err)
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCorruption)
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCorruption, err)
	}
	return pt, nil
}

// encodeBlock produces a compact binary encoding of a block: fixed-width
// height/timestamp/nonce, length-prefixed prev_hash/hash/state_root
// strings, the proposer's 20 bytes, a fixed-width tx_count, and
// length-prefixed JSON transactions.
func encodeBlock(b *Block) ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint64(buf, b.Height)
	writeUint64(buf, uint64(b.Timestamp))
	writeUint64(buf, b.Nonce)
	writeString(buf, b.PrevHash)
	writeString(buf, b.Hash)
	writeString(buf, b.StateRoot)
	buf.Write(b.Proposer[:])
	writeUint64(buf, uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		raw, err := json.Marshal(tx)
		if err != nil {
			return nil, fmt.Errorf("%w: encode transaction: %v", ErrDurability, err)
		}
		writeBytes(buf, raw)
	}
	return buf.Bytes(), nil
}

// decodeBlock reverses encodeBlock.
func decodeBlock(data []byte) (*Block, error) {
	r := bytes.NewReader(data)
	b := &Block{}
	var err error
	if b.Height, err = readUint64(r); err != nil {
		return nil, err
	}
	var ts uint64
	if ts, err = readUint64(r); err != nil {
		return nil, err
	}
	b.Timestamp = int64(ts)
	if b.Nonce, err = readUint64(r); err != nil {
		return nil, err
	}
	if b.PrevHash, err = readString(r); err != nil {
		return nil, err
	}
	if b.Hash, err = readString(r); err != nil {
		return nil, err
	}
	if b.StateRoot, err = readString(r); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, b.Proposer[:]); err != nil {
		return nil, fmt.Errorf("%w: decode proposer: %v", ErrCorruption, err)
	}
	count, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	b.Transactions = make([]Transaction, 0, count)
	for i := uint64(0); i < count; i++ {
		raw, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		var tx Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("%w: decode transaction: %v", ErrCorruption, err)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read uint64: %v", ErrCorruption, err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeBytes(buf *bytes.Buffer, v []byte) {
	writeUint64(buf, uint64(len(v)))
	buf.Write(v)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: read bytes: %v", ErrCorruption, err)
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, v string) { writeBytes(buf, []byte(v)) }

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// PutBlock stores a block under block:<hash> and height:<index>, updates
// latest, and fires the compaction hook every CompactionInterval blocks.
func (s *Storage) PutBlock(b *Block) error {
	raw, err := encodeBlock(b)
	if err != nil {
		return err
	}
	enc, err := s.encrypt(raw)
	if err != nil {
		return err
	}
	heightKey := fmt.Sprintf("%s%d", PrefixHeight, b.Height)
	entries := map[string][]byte{
		PrefixBlock + b.Hash: enc,
		heightKey:             []byte(b.Hash),
		KeyLatest:             []byte(b.Hash),
	}
	if err := s.kv.BatchWrite(entries, nil); err != nil {
		return fmt.Errorf("%w: batch write block: %v", ErrDurability, err)
	}
	s.blocksWritten++
	if s.onCompact != nil && s.blocksWritten%CompactionInterval == 0 {
		return s.onCompact()
	}
	return nil
}

// GetBlock retrieves a block by hash.
func (s *Storage) GetBlock(hash string) (*Block, bool, error) {
	raw, ok, err := s.kv.Get([]byte(PrefixBlock + hash))
	if err != nil || !ok {
		return nil, ok, err
	}
	dec, err := s.decrypt(raw)
	if err != nil {
		return nil, false, err
	}
	b, err := decodeBlock(dec)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// PutJSON stores any JSON-serializable value (proposals, votes, staking
// state) under the given key.
func (s *Storage) PutJSON(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal json value: %v", ErrDurability, err)
	}
	enc, err := s.encrypt(raw)
	if err != nil {
		return err
	}
	return s.kv.Set([]byte(key), enc)
}

// GetJSON loads a JSON-serializable value previously stored with PutJSON.
func (s *Storage) GetJSON(key string, v interface{}) (bool, error) {
	raw, ok, err := s.kv.Get([]byte(key))
	if err != nil || !ok {
		return ok, err
	}
	dec, err := s.decrypt(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(dec, v); err != nil {
		return false, fmt.Errorf("%w: unmarshal json value: %v", ErrCorruption, err)
	}
	return true, nil
}
