package storage

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func testDEK(t *testing.T) []byte {
	t.Helper()
	dek, err := DeriveDEK([]byte("0123456789abcdef0123456789abcdef"), "node-test")
	if err != nil {
		t.Fatalf("DeriveDEK failed: %v", err)
	}
	return dek
}

func openTestStore(t *testing.T, cacheSize int) *Store {
	t.Helper()
	s, err := Open(":memory:", "node-test", testDEK(t), cacheSize)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_InvalidDEK(t *testing.T) {
	if _, err := Open(":memory:", "n", []byte("short"), 0); err == nil {
		t.Fatal("expected error for short DEK")
	}
}

func TestDeriveDEK(t *testing.T) {
	a, err := DeriveDEK([]byte("seed"), "node-a")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := DeriveDEK([]byte("seed"), "node-b")
	a2, _ := DeriveDEK([]byte("seed"), "node-a")

	if len(a) != 32 {
		t.Errorf("DEK length = %d, want 32", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("different node IDs must derive different DEKs")
	}
	if !bytes.Equal(a, a2) {
		t.Error("derivation must be deterministic")
	}
	if _, err := DeriveDEK(nil, "x"); err == nil {
		t.Error("expected error for empty seed")
	}
}

func TestObjectOperations(t *testing.T) {
	for _, cacheSize := range []int{0, 4} {
		s := openTestStore(t, cacheSize)

		if err := s.Put("datasets/iris", []byte("sepal,petal"), "owner-1"); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		obj, err := s.Get("datasets/iris")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(obj.Value) != "sepal,petal" || obj.Owner != "owner-1" {
			t.Errorf("unexpected object: %+v", obj)
		}

		// Overwrite must not be shadowed by the cache.
		if err := s.Put("datasets/iris", []byte("v2"), "owner-2"); err != nil {
			t.Fatal(err)
		}
		obj, _ = s.Get("datasets/iris")
		if string(obj.Value) != "v2" || obj.Owner != "owner-1" {
			t.Errorf("stale read after overwrite: %+v", obj)
		}

		if err := s.Delete("datasets/iris"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get("datasets/iris"); err != ErrKeyNotFound {
			t.Errorf("Get after delete: got %v, want ErrKeyNotFound", err)
		}
		if err := s.Delete("datasets/iris"); err != ErrKeyNotFound {
			t.Errorf("second Delete: got %v, want ErrKeyNotFound", err)
		}
	}
}

func TestCheckedWrites(t *testing.T) {
	s := openTestStore(t, 4)

	if err := s.PutAs("k", []byte("alice"), "alice", false); err != nil {
		t.Fatalf("PutAs create failed: %v", err)
	}
	if err := s.PutAs("k", []byte("bob"), "bob", false); !errors.Is(err, ErrNotOwner) {
		t.Errorf("PutAs by non-owner: got %v, want ErrNotOwner", err)
	}
	if err := s.PutAs("k", []byte("root"), "root", true); err != nil {
		t.Fatalf("PutAs override failed: %v", err)
	}

	obj, err := s.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if string(obj.Value) != "root" || obj.Owner != "alice" {
		t.Errorf("override must keep the owner: %+v", obj)
	}
	if err := s.PutAs("k", []byte("alice2"), "alice", false); err != nil {
		t.Errorf("owner write after override: %v", err)
	}

	if err := s.DeleteAs("k", "bob", false); !errors.Is(err, ErrNotOwner) {
		t.Errorf("DeleteAs by non-owner: got %v, want ErrNotOwner", err)
	}
	if err := s.DeleteAs("k", "alice", false); err != nil {
		t.Fatalf("DeleteAs failed: %v", err)
	}
	if err := s.DeleteAs("k", "alice", false); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("DeleteAs missing: got %v, want ErrKeyNotFound", err)
	}
}

func TestCacheNotRefilledAfterDelete(t *testing.T) {
	s := openTestStore(t, 8)

	for i := 0; i < 50; i++ {
		if err := s.Put("hot", []byte("v"), "owner"); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					s.Get("hot")
				}
			}()
		}
		if err := s.Delete("hot"); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		if obj, err := s.Get("hot"); err != ErrKeyNotFound {
			t.Fatalf("iteration %d: deleted object still readable: %+v, %v", i, obj, err)
		}
	}
}

func TestValuesEncryptedAtRest(t *testing.T) {
	s := openTestStore(t, 0)
	secret := []byte("patient-records")
	if err := s.Put("k", secret, ""); err != nil {
		t.Fatal(err)
	}

	var raw []byte
	if err := s.db.QueryRow(`SELECT value FROM objects WHERE key = 'k'`).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, secret) {
		t.Error("plaintext found in stored value")
	}
}

func TestListPrefix(t *testing.T) {
	s := openTestStore(t, 0)
	for _, k := range []string{"a/1", "a/2", "a_x", "b/1"} {
		if err := s.Put(k, []byte("v"), ""); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.List("a/", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Errorf("List(a/) = %v", keys)
	}

	// "_" must be matched literally.
	keys, _ = s.List("a_", 10)
	if len(keys) != 1 || keys[0] != "a_x" {
		t.Errorf("List(a_) = %v", keys)
	}
}

func TestUserOperations(t *testing.T) {
	s := openTestStore(t, 0)

	if _, err := s.GetUser("abc"); err != ErrUserNotFound {
		t.Errorf("GetUser on empty store: %v", err)
	}

	if err := s.PutUser(&User{VerifyKey: "abc", Name: "alice", Roles: []string{"admin", "ds"}}); err != nil {
		t.Fatal(err)
	}
	u, err := s.GetUser("abc")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "alice" || len(u.Roles) != 2 || u.Roles[0] != "admin" {
		t.Errorf("unexpected user: %+v", u)
	}

	if err := s.PutUser(&User{VerifyKey: "def"}); err != nil {
		t.Fatal(err)
	}
	u, _ = s.GetUser("def")
	if len(u.Roles) != 0 {
		t.Errorf("expected no roles, got %v", u.Roles)
	}

	n, _ := s.CountUsers()
	if n != 2 {
		t.Errorf("CountUsers = %d, want 2", n)
	}

	if err := s.DeleteUser("abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser("abc"); err != ErrUserNotFound {
		t.Errorf("second DeleteUser: %v", err)
	}
	if err := s.PutUser(&User{}); err == nil {
		t.Error("expected error for empty verify key")
	}
}

func TestMarkProcessed(t *testing.T) {
	s := openTestStore(t, 0)

	first, err := s.MarkProcessed("msg-1", "Ping")
	if err != nil || !first {
		t.Fatalf("first MarkProcessed = %v, %v", first, err)
	}
	again, err := s.MarkProcessed("msg-1", "Ping")
	if err != nil || again {
		t.Fatalf("replayed MarkProcessed = %v, %v", again, err)
	}
	if ok, _ := s.MarkProcessed("", "Ping"); !ok {
		t.Error("empty IDs are never tracked")
	}

	deleted, err := s.CleanupProcessed(-time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("CleanupProcessed deleted %d, want 1", deleted)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	dek := testDEK(t)

	s, err := Open(path, "node-test", dek, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put("k", []byte("v"), ""); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, "node-test", dek, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	obj, err := s.Get("k")
	if err != nil || string(obj.Value) != "v" {
		t.Fatalf("reopened Get = %+v, %v", obj, err)
	}
}
