// file: pkg/registry/filestore.go

package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	metav1 "github.com/fx147/entity-catalog/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/klog/v2"
)

const (
	fileStoreEntitiesDir = "entities"
	fileStoreMetadataDir = "_metadata"
)

// FileStore 实现了 Store 接口，使用本地文件系统作为后端。
// 每个实体是 entities/<uid>.json，全局版本号保存在 _metadata 目录中。
type FileStore struct {
	basePath string

	// 文件系统没有事务，所有写操作串行执行
	mu sync.Mutex
}

var _ Store = &FileStore{}

func NewFileStore(basePath string) (*FileStore, error) {
	for _, dir := range []string{fileStoreEntitiesDir, fileStoreMetadataDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create base path for filestore: %w", err)
		}
	}
	return &FileStore{basePath: basePath}, nil
}

func (fs *FileStore) pathFor(uid string) string {
	return filepath.Join(fs.basePath, fileStoreEntitiesDir, uid+".json")
}

func (fs *FileStore) rvPath() string {
	return filepath.Join(fs.basePath, fileStoreMetadataDir, "globalResourceVersion")
}

// --- 接口实现 ---

func (fs *FileStore) Create(obj *metav1.RawEntity) error {
	if err := checkKey(obj.Metadata.UID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.pathFor(obj.Metadata.UID)
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		return errors.NewAlreadyExists(entitiesResource, obj.Metadata.UID)
	}
	return fs.write(path, obj)
}

func (fs *FileStore) Update(obj *metav1.RawEntity) error {
	if err := checkKey(obj.Metadata.UID); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.pathFor(obj.Metadata.UID)
	stored, err := fs.read(path, obj.Metadata.UID)
	if err != nil {
		return err
	}
	if err := checkResourceVersion(stored, obj); err != nil {
		return err
	}
	return fs.write(path, obj)
}

func (fs *FileStore) Get(uid string) (*metav1.RawEntity, error) {
	if err := checkKey(uid); err != nil {
		return nil, err
	}
	return fs.read(fs.pathFor(uid), uid)
}

func (fs *FileStore) List() ([]*metav1.RawEntity, string, error) {
	fs.mu.Lock()
	rv, err := fs.readRV()
	fs.mu.Unlock()
	if err != nil {
		return nil, "", err
	}

	dirPath := filepath.Join(fs.basePath, fileStoreEntitiesDir)
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read directory: %w", err)
	}

	items := make([]*metav1.RawEntity, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		uid := strings.TrimSuffix(entry.Name(), ".json")
		obj, readErr := fs.read(filepath.Join(dirPath, entry.Name()), uid)
		if readErr != nil {
			if errors.IsNotFound(readErr) {
				continue
			}
			klog.Warningf("Skipping unreadable entity file %s: %v", entry.Name(), readErr)
			continue
		}
		items = append(items, obj)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Metadata.UID < items[j].Metadata.UID })
	return items, strconv.FormatUint(rv, 10), nil
}

func (fs *FileStore) Delete(uid string) (*metav1.RawEntity, error) {
	if err := checkKey(uid); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	path := fs.pathFor(uid)
	obj, err := fs.read(path, uid)
	if err != nil {
		return nil, err
	}
	if _, err := fs.nextRV(); err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to delete entity file: %w", err)
	}
	return obj, nil
}

func (fs *FileStore) Close() error {
	return nil
}

func (fs *FileStore) read(path, uid string) (*metav1.RawEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFound(entitiesResource, uid)
		}
		return nil, fmt.Errorf("failed to read entity file: %w", err)
	}
	obj := &metav1.RawEntity{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity file %s: %w", path, err)
	}
	return obj.Normalize(), nil
}

// write 需要在持有 fs.mu 时调用。
func (fs *FileStore) write(path string, obj *metav1.RawEntity) error {
	rv, err := fs.nextRV()
	if err != nil {
		return err
	}
	previous := obj.Metadata.ResourceVersion
	obj.Metadata.ResourceVersion = strconv.FormatUint(rv, 10)

	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		obj.Metadata.ResourceVersion = previous
		return fmt.Errorf("failed to marshal entity to json: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		obj.Metadata.ResourceVersion = previous
		return err
	}
	return nil
}

func (fs *FileStore) readRV() (uint64, error) {
	data, err := os.ReadFile(fs.rvPath())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read resourceVersion: %w", err)
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func (fs *FileStore) nextRV() (uint64, error) {
	rv, err := fs.readRV()
	if err != nil {
		return 0, err
	}
	rv++
	if err := writeFileAtomic(fs.rvPath(), []byte(strconv.FormatUint(rv, 10))); err != nil {
		return 0, err
	}
	return rv, nil
}

// writeFileAtomic 先写临时文件再重命名，避免读到写了一半的内容。
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
