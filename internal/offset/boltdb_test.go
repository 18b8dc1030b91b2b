package offset

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) OffsetStore{
		"bolt": func(t *testing.T) OffsetStore {
			s, err := NewBoltDBStore(filepath.Join(t.TempDir(), "catalog.db"), time.Second)
			if err != nil {
				t.Fatalf("NewBoltDBStore() error = %v", err)
			}
			return s
		},
		"memory": func(t *testing.T) OffsetStore { return NewMemoryStore() },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()

			if _, ok, err := s.Get(ctx, "/var/log/app.log"); err != nil || ok {
				t.Fatalf("Get() on empty store = ok %v, err %v", ok, err)
			}

			want := Entry{Key: "00112233445566778899aabbccddeeff", Size: 4096, Updated: time.Unix(0, 1700000000123456789)}
			if err := s.Set(ctx, "/var/log/app.log", want); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, ok, err := s.Get(ctx, "/var/log/app.log")
			if err != nil || !ok {
				t.Fatalf("Get() = ok %v, err %v", ok, err)
			}
			if got.Key != want.Key || got.Size != want.Size || !got.Updated.Equal(want.Updated) {
				t.Errorf("Get() = %+v, want %+v", got, want)
			}

			all, err := s.List(ctx)
			if err != nil || len(all) != 1 {
				t.Fatalf("List() = %v, %v", all, err)
			}

			if err := s.Delete(ctx, "/var/log/app.log"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, ok, _ := s.Get(ctx, "/var/log/app.log"); ok {
				t.Error("entry still present after Delete()")
			}
		})
	}
}

func TestBoltDBStoreLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	first, err := NewBoltDBStore(path, time.Second)
	if err != nil {
		t.Fatalf("NewBoltDBStore() error = %v", err)
	}
	defer first.Close()

	if _, err := NewBoltDBStore(path, 50*time.Millisecond); err == nil {
		t.Error("expected an error opening a database held by another handle")
	}
}
