package blockdev

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sushant-115/kcore/core/kerr"
)

// BoltDisk stores blocks in a bolt database: one bucket per device, keyed by
// the big-endian block number.
type BoltDisk struct {
	db *bolt.DB
}

// OpenBoltDisk opens or creates the bolt file at path.
func OpenBoltDisk(path string) (*BoltDisk, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: opening bolt store %s: %v", kerr.ErrStorage, path, err)
	}
	return &BoltDisk{db: db}, nil
}

func deviceBucket(dev uint32) []byte {
	return []byte(fmt.Sprintf("dev%d", dev))
}

func blockKeyBytes(blockno uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], blockno)
	return k[:]
}

func (d *BoltDisk) ReadWrite(dev, blockno uint32, data []byte, write bool) error {
	if err := checkLen(data); err != nil {
		return err
	}
	if write {
		err := d.db.Update(func(tx *bolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists(deviceBucket(dev))
			if err != nil {
				return err
			}
			// bolt keeps the slice until commit, so hand it a copy.
			v := make([]byte, BlockSize)
			copy(v, data)
			return b.Put(blockKeyBytes(blockno), v)
		})
		if err != nil {
			return fmt.Errorf("%w: writing block %d of dev %d: %v", kerr.ErrStorage, blockno, dev, err)
		}
		return nil
	}
	err := d.db.View(func(tx *bolt.Tx) error {
		clear(data)
		b := tx.Bucket(deviceBucket(dev))
		if b == nil {
			return nil
		}
		copy(data, b.Get(blockKeyBytes(blockno)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: reading block %d of dev %d: %v", kerr.ErrStorage, blockno, dev, err)
	}
	return nil
}

func (d *BoltDisk) Close() error { return d.db.Close() }
