// blockdev.go simulates a disk as a host file, opened once and read
// from or written to per request via ReadAt/WriteAt. github.com/
// gofrs/flock takes an advisory exclusive lock on the image file so two
// kernel instances cannot mutate the same image concurrently.
package fat32

import (
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

/// FileDisk_t backs a FAT32 volume with a regular host file, standing in
// for a real block device.
type FileDisk_t struct {
	mu   sync.Mutex
	f    *os.File
	lock *flock.Flock
}

/// OpenFileDisk opens path (which must already exist, sized to the
// intended volume) and takes an exclusive advisory lock on it.
func OpenFileDisk(path string) (*FileDisk_t, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("fat32: %s is locked by another instance", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lk.Unlock()
		return nil, err
	}
	return &FileDisk_t{f: f, lock: lk}, nil
}

/// CreateFileDisk creates path at the given size, zero-filled.
func CreateFileDisk(path string, size int64) (*FileDisk_t, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	f.Close()
	return OpenFileDisk(path)
}

func (d *FileDisk_t) Read_sector(lba uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.ReadAt(buf[:SECSZ], int64(lba)*SECSZ)
	return err
}

func (d *FileDisk_t) Write_sector(lba uint32, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.f.WriteAt(buf[:SECSZ], int64(lba)*SECSZ)
	return err
}

func (d *FileDisk_t) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}

/// Close releases the file and the advisory lock.
func (d *FileDisk_t) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.f.Close()
	d.lock.Unlock()
	return err
}
