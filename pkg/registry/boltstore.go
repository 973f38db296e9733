// file: pkg/registry/boltstore.go

package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	bolt "go.etcd.io/bbolt"
	"k8s.io/apimachinery/pkg/api/errors"
)

var (
	// _metadataBucketKey 是一个特殊的 bucket，用于存放 registry 的元数据。
	_metadataBucketKey = []byte("_metadata")
	// _globalResourceVersionKey 是存储全局版本号的 key。
	_globalResourceVersionKey = []byte("globalResourceVersion")
	// _entitiesBucketKey 以 uid 为 key 存放实体的 JSON。
	_entitiesBucketKey = []byte("entities")
)

// BoltStore 实现了 Store 接口，使用 bbolt 作为后端。
type BoltStore struct {
	db *bolt.DB
}

var _ Store = &BoltStore{}

// NewBoltStore 打开(或创建)path 处的数据库文件并初始化 bucket。
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(_metadataBucketKey); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(_entitiesBucketKey)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Create(obj *metav1.RawEntity) error {
	if err := checkKey(obj.Metadata.UID); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_entitiesBucketKey)
		key := []byte(obj.Metadata.UID)
		if bucket.Get(key) != nil {
			return errors.NewAlreadyExists(entitiesResource, obj.Metadata.UID)
		}
		return s.put(tx, bucket, key, obj)
	})
}

func (s *BoltStore) Update(obj *metav1.RawEntity) error {
	if err := checkKey(obj.Metadata.UID); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_entitiesBucketKey)
		key := []byte(obj.Metadata.UID)
		data := bucket.Get(key)
		if data == nil {
			return errors.NewNotFound(entitiesResource, obj.Metadata.UID)
		}

		stored := &metav1.RawEntity{}
		if err := json.Unmarshal(data, stored); err != nil {
			return fmt.Errorf("failed to unmarshal stored entity %s: %w", obj.Metadata.UID, err)
		}
		if err := checkResourceVersion(stored, obj); err != nil {
			return err
		}
		return s.put(tx, bucket, key, obj)
	})
}

// put 在同一个事务内分配新的 resourceVersion 并写入实体。
func (s *BoltStore) put(tx *bolt.Tx, bucket *bolt.Bucket, key []byte, obj *metav1.RawEntity) error {
	rv, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey))
	if err != nil {
		return err
	}
	previous := obj.Metadata.ResourceVersion
	obj.Metadata.ResourceVersion = strconv.FormatUint(rv, 10)

	data, err := json.Marshal(obj)
	if err != nil {
		obj.Metadata.ResourceVersion = previous
		return fmt.Errorf("failed to marshal entity to json: %w", err)
	}
	if err := bucket.Put(key, data); err != nil {
		obj.Metadata.ResourceVersion = previous
		return err
	}
	return nil
}

func (s *BoltStore) Get(uid string) (*metav1.RawEntity, error) {
	var obj *metav1.RawEntity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(_entitiesBucketKey).Get([]byte(uid))
		if data == nil {
			return errors.NewNotFound(entitiesResource, uid)
		}
		obj = &metav1.RawEntity{}
		return json.Unmarshal(data, obj)
	})
	if err != nil {
		return nil, err
	}
	return obj.Normalize(), nil
}

func (s *BoltStore) List() ([]*metav1.RawEntity, string, error) {
	var (
		items []*metav1.RawEntity
		rv    uint64
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		rv = readGlobalRV(tx.Bucket(_metadataBucketKey))
		return tx.Bucket(_entitiesBucketKey).ForEach(func(k, v []byte) error {
			obj := &metav1.RawEntity{}
			if err := json.Unmarshal(v, obj); err != nil {
				return fmt.Errorf("failed to unmarshal entity %s: %w", string(k), err)
			}
			items = append(items, obj.Normalize())
			return nil
		})
	})
	if err != nil {
		return nil, "", err
	}
	return items, strconv.FormatUint(rv, 10), nil
}

func (s *BoltStore) Delete(uid string) (*metav1.RawEntity, error) {
	var obj *metav1.RawEntity
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(_entitiesBucketKey)
		data := bucket.Get([]byte(uid))
		if data == nil {
			return errors.NewNotFound(entitiesResource, uid)
		}
		obj = &metav1.RawEntity{}
		if err := json.Unmarshal(data, obj); err != nil {
			return err
		}
		// 删除同样推进全局版本号，使 List 返回的版本能反映删除
		if _, err := getAndIncrementGlobalRV(tx.Bucket(_metadataBucketKey)); err != nil {
			return err
		}
		return bucket.Delete([]byte(uid))
	})
	if err != nil {
		return nil, err
	}
	return obj.Normalize(), nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func readGlobalRV(metaBucket *bolt.Bucket) uint64 {
	currentRVBytes := metaBucket.Get(_globalResourceVersionKey)
	if currentRVBytes == nil {
		return 0
	}
	return binary.BigEndian.Uint64(currentRVBytes)
}

// getAndIncrementGlobalRV 是一个在事务内部调用的辅助函数。
// bbolt 同一时刻只允许一个写事务，因此读取和递增不会交错。
func getAndIncrementGlobalRV(metaBucket *bolt.Bucket) (uint64, error) {
	newRV := readGlobalRV(metaBucket) + 1

	newRVBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(newRVBytes, newRV)

	if err := metaBucket.Put(_globalResourceVersionKey, newRVBytes); err != nil {
		return 0, err
	}

	return newRV, nil
}
