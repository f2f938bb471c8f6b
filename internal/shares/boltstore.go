package shares

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/djkazic/stratumd/internal/types"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketShares = []byte("shares") // hash -> record
	bucketByTime = []byte("bytime") // sequence -> hash
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<20))
)

// shareRecord is the on-disk form of a share. Integer keys keep records
// compact; field numbers are part of the storage format and must not be
// reused.
type shareRecord struct {
	Hash             [32]byte `cbor:"1,keyasint"`
	JobID            string   `cbor:"2,keyasint"`
	Worker           string   `cbor:"3,keyasint"`
	ExtraNonce1      string   `cbor:"4,keyasint"`
	ExtraNonce2      string   `cbor:"5,keyasint"`
	NTime            string   `cbor:"6,keyasint"`
	Nonce            string   `cbor:"7,keyasint"`
	Difficulty       float64  `cbor:"8,keyasint"`
	ActualDifficulty float64  `cbor:"9,keyasint"`
	Height           int64    `cbor:"10,keyasint"`
	AcceptedAt       int64    `cbor:"11,keyasint"`
	IsBlock          bool     `cbor:"12,keyasint"`
}

func encodeShare(s *types.Share) ([]byte, error) {
	raw, err := cbor.Marshal(&shareRecord{
		Hash:             s.Hash,
		JobID:            s.JobID,
		Worker:           s.Worker,
		ExtraNonce1:      s.ExtraNonce1,
		ExtraNonce2:      s.ExtraNonce2,
		NTime:            s.NTime,
		Nonce:            s.Nonce,
		Difficulty:       s.Difficulty,
		ActualDifficulty: s.ActualDifficulty,
		Height:           s.Height,
		AcceptedAt:       s.AcceptedAt,
		IsBlock:          s.IsBlock,
	})
	if err != nil {
		return nil, err
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// decodeShare accepts both compressed and raw cbor records. Data without
// the zstd magic bytes is decoded directly.
func decodeShare(data []byte) (*types.Share, error) {
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD {
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress share: %w", err)
		}
		data = raw
	}

	var rec shareRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode share: %w", err)
	}
	return &types.Share{
		Hash:             rec.Hash,
		JobID:            rec.JobID,
		Worker:           rec.Worker,
		ExtraNonce1:      rec.ExtraNonce1,
		ExtraNonce2:      rec.ExtraNonce2,
		NTime:            rec.NTime,
		Nonce:            rec.Nonce,
		Difficulty:       rec.Difficulty,
		ActualDifficulty: rec.ActualDifficulty,
		Height:           rec.Height,
		AcceptedAt:       rec.AcceptedAt,
		IsBlock:          rec.IsBlock,
	}, nil
}

// BoltStore is the persistent share log. Shares are keyed by hash, with a
// sequence index for time-ordered scans.
type BoltStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// NewBoltStore opens (or creates) the share log at path.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open share db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketShares, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init share db: %w", err)
	}

	store := &BoltStore{db: db, logger: logger}
	logger.Info("share log opened",
		zap.String("path", path),
		zap.Int("shares", store.Count()),
	)
	return store, nil
}

// Add appends a share. Adding the same hash twice is an error.
func (s *BoltStore) Add(share *types.Share) error {
	data, err := encodeShare(share)
	if err != nil {
		return fmt.Errorf("encode share: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		shares := tx.Bucket(bucketShares)
		if shares.Get(share.Hash[:]) != nil {
			return fmt.Errorf("share %s already stored", share.HashHex())
		}
		if err := shares.Put(share.Hash[:], data); err != nil {
			return err
		}

		byTime := tx.Bucket(bucketByTime)
		seq, err := byTime.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return byTime.Put(key, share.Hash[:])
	})
}

// Get returns a share by hash.
func (s *BoltStore) Get(hash [32]byte) (*types.Share, bool) {
	var share *types.Share
	s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketShares).Get(hash[:])
		if data == nil {
			return nil
		}
		decoded, err := decodeShare(data)
		if err != nil {
			s.logger.Error("corrupt share record", zap.Error(err))
			return nil
		}
		share = decoded
		return nil
	})
	return share, share != nil
}

// Count returns the number of stored shares.
func (s *BoltStore) Count() int {
	var count int
	s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketShares).Stats().KeyN
		return nil
	})
	return count
}

// Recent returns up to n shares, newest first.
func (s *BoltStore) Recent(n int) []*types.Share {
	var out []*types.Share
	s.db.View(func(tx *bolt.Tx) error {
		shares := tx.Bucket(bucketShares)
		c := tx.Bucket(bucketByTime).Cursor()
		for k, hash := c.Last(); k != nil && len(out) < n; k, hash = c.Prev() {
			data := shares.Get(hash)
			if data == nil {
				continue
			}
			decoded, err := decodeShare(data)
			if err != nil {
				s.logger.Error("corrupt share record", zap.Error(err))
				continue
			}
			out = append(out, decoded)
		}
		return nil
	})
	return out
}

// SharesSince returns shares accepted at or after cutoff, oldest first.
// Used for hashrate estimation over a window.
func (s *BoltStore) SharesSince(cutoff time.Time) []*types.Share {
	var out []*types.Share
	s.db.View(func(tx *bolt.Tx) error {
		shares := tx.Bucket(bucketShares)
		c := tx.Bucket(bucketByTime).Cursor()
		for k, hash := c.Last(); k != nil; k, hash = c.Prev() {
			data := shares.Get(hash)
			if data == nil {
				continue
			}
			decoded, err := decodeShare(data)
			if err != nil {
				continue
			}
			if decoded.Time().Before(cutoff) {
				break
			}
			out = append(out, decoded)
		}
		return nil
	})

	// reverse into oldest-first order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
