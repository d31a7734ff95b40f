package bootparam_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gomicrovm/bootparam"
	"github.com/bobuhiro11/gomicrovm/bootproto"
)

func writeBzImage(t *testing.T) string {
	t.Helper()

	img := make([]byte, 9*512)
	img[bootproto.HeaderOffset] = 8
	binary.LittleEndian.PutUint32(img[0x202:], bootproto.MagicSignature)

	path := filepath.Join(t.TempDir(), "bzImage")
	if err := os.WriteFile(path, img, 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := bootparam.New(writeBzImage(t)); err != nil {
		t.Fatal(err)
	}
}

func TestNewNotbzImage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "README.md")
	if err := os.WriteFile(path, bytes.Repeat([]byte("# readme\n"), 512), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := bootparam.New(path); !errors.Is(err, bootproto.ErrSignatureNotMatch) {
		t.Fatalf("expected: %v, actual: %v", bootproto.ErrSignatureNotMatch, err)
	}
}

func TestBytes(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(writeBzImage(t))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := b.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if len(raw) != bootparam.Size {
		t.Fatalf("expected: %d, actual: %d", bootparam.Size, len(raw))
	}

	if raw[bootproto.HeaderOffset] != 8 {
		t.Fatalf("invalid setup_sects: %d", raw[bootproto.HeaderOffset])
	}

	if got := binary.LittleEndian.Uint32(raw[0x202:]); got != bootproto.MagicSignature {
		t.Fatalf("expected: %#x, actual: %#x", bootproto.MagicSignature, got)
	}
}

func TestAddE820Entry(t *testing.T) {
	t.Parallel()

	b, err := bootparam.New(writeBzImage(t))
	if err != nil {
		t.Fatal(err)
	}

	if err := b.AddE820Entry(
		0x1234567812345678,
		0xabcdefabcdefabcd,
		bootparam.E820Ram,
	); err != nil {
		t.Fatal(err)
	}

	rawBootParam, _ := b.Bytes()
	if rawBootParam[0x1E8] != 1 {
		t.Fatalf("invalid e820_entries: %d", rawBootParam[0x1E8])
	}

	actual := bootparam.E820Entry{}
	reader := bytes.NewReader(rawBootParam[0x2D0:])

	if err := binary.Read(reader, binary.LittleEndian, &actual); err != nil {
		t.Fatal(err)
	}

	if actual.Addr != 0x1234567812345678 {
		t.Fatalf("invalid e820 addr: %v", actual.Addr)
	}

	if actual.Size != 0xabcdefabcdefabcd {
		t.Fatalf("invalid e820 size: %v", actual.Size)
	}

	if actual.Type != bootparam.E820Ram {
		t.Fatalf("invalid e820 type: %v", actual.Type)
	}
}

func TestE820Full(t *testing.T) {
	t.Parallel()

	b := bootparam.FromHeader(nil)

	for i := 0; i < bootparam.E820MaxEntries; i++ {
		if err := b.AddE820Entry(uint64(i)<<12, 1<<12, bootparam.E820Ram); err != nil {
			t.Fatal(err)
		}
	}

	if err := b.AddE820Entry(0, 1, bootparam.E820Ram); !errors.Is(err, bootparam.ErrE820Full) {
		t.Fatalf("expected: %v, actual: %v", bootparam.ErrE820Full, err)
	}

	if len(b.E820()) != bootparam.E820MaxEntries {
		t.Fatalf("expected: %d, actual: %d", bootparam.E820MaxEntries, len(b.E820()))
	}
}
