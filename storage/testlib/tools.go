package testlib

import (
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/opengs/formdecode/storage"
)

func RandString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz" + "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rand.Intn(len(charset))]
	}
	return string(b)
}

func readAll(t *testing.T, f storage.File) string {
	t.Helper()

	r, err := f.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// TestStore runs the behaviour every spool store must have.
func TestStore(t *testing.T, s storage.Store) {
	t.Run("WriteCloseRead", func(t *testing.T) {
		content := RandString(4096)

		f, err := s.Create("upload.bin")
		if err != nil {
			t.Fatal(err)
		}
		defer f.Remove()

		for i := 0; i < len(content); i += 1000 {
			if _, err := f.Write([]byte(content[i:min(i+1000, len(content))])); err != nil {
				t.Fatal(err)
			}
		}
		if f.Size() != int64(len(content)) {
			t.Errorf("expected size %d, got %d", len(content), f.Size())
		}
		if err := f.Close(); err != nil {
			t.Fatal(err)
		}
		if err := f.Close(); err != nil {
			t.Errorf("second close must be a no-op, got %v", err)
		}

		if got := readAll(t, f); got != content {
			t.Error("read content does not match written content")
		}
		if _, err := f.Write([]byte("late")); !errors.Is(err, storage.ErrFileClosed) {
			t.Errorf("expected ErrFileClosed after close, got %v", err)
		}
	})

	t.Run("FilesAreDistinct", func(t *testing.T) {
		a, err := s.Create("same")
		if err != nil {
			t.Fatal(err)
		}
		defer a.Remove()
		b, err := s.Create("same")
		if err != nil {
			t.Fatal(err)
		}
		defer b.Remove()

		if a.Path() == b.Path() {
			t.Errorf("two files share path %s", a.Path())
		}
		if s.Dir() != "" && filepath.Dir(a.Path()) != s.Dir() {
			t.Errorf("file %s created outside of %s", a.Path(), s.Dir())
		}
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		f, err := s.Create("")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte("data")); err != nil {
			t.Fatal(err)
		}

		path := f.Path()
		if err := f.Remove(); err != nil {
			t.Fatal(err)
		}
		if err := f.Remove(); err != nil {
			t.Errorf("second remove must be a no-op, got %v", err)
		}
		if s.Dir() != "" {
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("expected %s to be deleted, stat returned %v", path, err)
			}
		}
		if _, err := f.Write([]byte("more")); !errors.Is(err, storage.ErrFileRemoved) {
			t.Errorf("expected ErrFileRemoved, got %v", err)
		}
		if _, err := f.Open(); !errors.Is(err, storage.ErrFileRemoved) {
			t.Errorf("expected ErrFileRemoved, got %v", err)
		}
	})

	t.Run("Persist", func(t *testing.T) {
		f, err := s.Create("keep")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte("persisted content")); err != nil {
			t.Fatal(err)
		}

		dst := filepath.Join(t.TempDir(), "kept.txt")
		if err := f.Persist(dst); err != nil {
			t.Fatal(err)
		}
		if err := f.Remove(); err != nil {
			t.Errorf("remove after persist must be a no-op, got %v", err)
		}

		data, err := os.ReadFile(dst)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "persisted content" {
			t.Errorf("unexpected persisted content %q", data)
		}
		if err := f.Persist(dst + ".again"); !errors.Is(err, storage.ErrFilePersisted) {
			t.Errorf("expected ErrFilePersisted, got %v", err)
		}
	})

	t.Run("RemoveDuringWrites", func(t *testing.T) {
		f, err := s.Create("race")
		if err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := f.Write([]byte(RandString(64))); err != nil {
					return
				}
			}
		}()

		if err := f.Remove(); err != nil {
			t.Error(err)
		}
		wg.Wait()
	})
}
