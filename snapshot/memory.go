package snapshot

import (
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/gomicrovm/memory"
)

// Type is the kind of memory file a snapshot is taken with.
type Type string

const (
	Full Type = "Full"
	Diff Type = "Diff"
)

var ErrMemFileSize = errors.New("memory file does not match the snapshot layout")

// WriteMemory writes guest memory to path. A Full snapshot dumps every
// region. A Diff snapshot writes only the pages set in dirty, at the offsets
// a full dump would use, into a file of the full size; pages not written
// stay holes.
func WriteMemory(path string, typ Type, mem *memory.GuestMemory, dirty [][]uint64) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	switch typ {
	case Full:
		err = mem.Dump(f)
	case Diff:
		if err = f.Truncate(int64(mem.Size())); err == nil {
			err = mem.DumpDirty(f, dirty)
		}
	default:
		err = fmt.Errorf("%w: snapshot type %q", ErrBadFormat, typ)
	}

	if err == nil {
		err = f.Sync()
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("memory file %s: %w", path, err)
	}

	log.Infof("%s memory file of %d MiB written to %s", typ, mem.Size()>>20, path)

	return nil
}

// OpenMemory maps the memory file at path as guest memory laid out as
// ranges. The file stays open only as long as the mapping needs it.
func OpenMemory(path string, ranges []memory.Range, hp memory.HugePageConfig) (*memory.GuestMemory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var want uint64
	for _, r := range ranges {
		want += r.Size
	}

	if uint64(fi.Size()) < want {
		return nil, fmt.Errorf("%w: %s has %d bytes, need %d", ErrMemFileSize, path, fi.Size(), want)
	}

	return memory.NewFromFile(f, ranges, hp)
}
