package files_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/code19m/errx"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavel-fokin/files-depot/internal/access"
	"github.com/pavel-fokin/files-depot/internal/catalog"
	"github.com/pavel-fokin/files-depot/internal/files"
	"github.com/pavel-fokin/files-depot/internal/fs"
)

const (
	uploadDir  = "/data/uploads"
	stagingDir = "/data/staging"
)

var (
	admin     = access.Principal{Username: "admin", Role: access.RoleAdmin}
	moderator = access.Principal{Username: "mod", Role: access.RoleModerator}
	editor    = access.Principal{Username: "editor", Role: access.RoleEditor}
)

// flakyCatalog fails Save on demand.
type flakyCatalog struct {
	*catalog.Store
	failSave atomic.Bool
}

func (c *flakyCatalog) Save(items []*files.Item) error {
	if c.failSave.Load() {
		return errors.New("disk full")
	}
	return c.Store.Save(items)
}

type testEnv struct {
	svc     *files.Service
	fsys    afero.Fs
	storage *fs.Storage
	catalog *flakyCatalog
}

func newTestEnv(t *testing.T, opts files.Options) *testEnv {
	t.Helper()
	fsys := afero.NewMemMapFs()

	storage, err := fs.NewStorage(fsys, uploadDir, stagingDir, "/data/trash")
	require.NoError(t, err)
	store, err := catalog.NewStore(fsys, "/data/items.json", nil)
	require.NoError(t, err)

	cat := &flakyCatalog{Store: store}
	return &testEnv{
		svc:     files.NewService(storage, cat, opts),
		fsys:    fsys,
		storage: storage,
		catalog: cat,
	}
}

func (e *testEnv) create(t *testing.T, p access.Principal, name, content string, public bool) *files.Item {
	t.Helper()
	item, err := e.svc.Create(context.Background(), p, &files.CreateRequest{
		Title:        "title of " + name,
		OriginalName: name,
		Public:       public,
		Content:      strings.NewReader(content),
	})
	require.NoError(t, err)
	return item
}

func (e *testEnv) dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(e.fsys, dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

// assertConsistent checks that catalog and upload directory reference
// exactly the same set of files.
func (e *testEnv) assertConsistent(t *testing.T) {
	t.Helper()
	var catalogued []string
	for _, it := range e.catalog.Load() {
		catalogued = append(catalogued, it.Filename)
	}
	assert.ElementsMatch(t, catalogued, e.dirNames(t, uploadDir))
	assert.Empty(t, e.dirNames(t, stagingDir))
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errx.IsCodeIn(err, code), "expected code %s, got %v", code, err)
}

func TestCreate(t *testing.T) {
	t.Run("public item is listed under a generated name", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		item, err := env.svc.Create(context.Background(), moderator, &files.CreateRequest{
			Title:        "Patch v1",
			Desc:         "first patch",
			Category:     "patches",
			Public:       true,
			OriginalName: "patch.zip",
			Content:      strings.NewReader("zip bytes"),
		})
		require.NoError(t, err)

		assert.NotEmpty(t, item.ID)
		assert.NotEqual(t, "patch.zip", item.Filename)
		assert.True(t, strings.HasSuffix(item.Filename, "-patch.zip"))
		assert.Equal(t, "patch.zip", item.OriginalName)
		assert.Equal(t, int64(9), item.Size)
		assert.Equal(t, "mod", item.Uploader)

		listed := env.svc.ListPublic()
		require.Len(t, listed, 1)
		assert.Equal(t, "Patch v1", listed[0].Title)
		assert.Equal(t, item.Filename, listed[0].Filename)
		env.assertConsistent(t)
	})

	t.Run("defaults", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		item, err := env.svc.Create(context.Background(), editor, &files.CreateRequest{
			OriginalName: "notes.txt",
			Content:      strings.NewReader("notes"),
		})
		require.NoError(t, err)

		assert.Equal(t, "notes.txt", item.Title)
		assert.Equal(t, files.DefaultCategory, item.Category)
		assert.Equal(t, "", item.Desc)
		assert.False(t, item.Public, "items are private unless flagged")
	})

	t.Run("newest first", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		first := env.create(t, admin, "a.txt", "a", true)
		second := env.create(t, admin, "b.txt", "b", true)

		listed := env.svc.ListPublic()
		require.Len(t, listed, 2)
		assert.Equal(t, second.ID, listed[0].ID)
		assert.Equal(t, first.ID, listed[1].ID)
	})

	t.Run("roles", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		for _, p := range []access.Principal{admin, moderator, editor} {
			_, err := env.svc.Create(context.Background(), p, &files.CreateRequest{
				OriginalName: "f.txt",
				Content:      strings.NewReader("x"),
			})
			assert.NoError(t, err, p.String())
		}

		_, err := env.svc.Create(context.Background(), access.Anonymous, &files.CreateRequest{
			OriginalName: "f.txt",
			Content:      strings.NewReader("x"),
		})
		assertCode(t, err, access.CodeUnauthorized)
		assert.Len(t, env.catalog.Load(), 3)
	})

	t.Run("disallowed extension leaves no trace", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		for _, name := range []string{"install.sh", "README", "archive.tar.gz", "payload.ZIP.sh"} {
			_, err := env.svc.Create(context.Background(), admin, &files.CreateRequest{
				OriginalName: name,
				Content:      strings.NewReader("#!/bin/sh"),
			})
			assertCode(t, err, files.CodeInvalidFileType)
		}

		assert.Empty(t, env.catalog.Load())
		assert.Empty(t, env.dirNames(t, uploadDir))
		assert.Empty(t, env.dirNames(t, stagingDir))
	})

	t.Run("extension check ignores case", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		item := env.create(t, admin, "SCAN.PDF", "%PDF-1.4", false)
		assert.True(t, strings.HasSuffix(item.Filename, "-SCAN.PDF"))
	})

	t.Run("too large", func(t *testing.T) {
		env := newTestEnv(t, files.Options{MaxSize: 10})

		_, err := env.svc.Create(context.Background(), admin, &files.CreateRequest{
			OriginalName: "big.txt",
			Content:      strings.NewReader("0123456789A"),
		})
		assertCode(t, err, files.CodeFileTooLarge)
		assert.Equal(t, errx.T_Validation, errx.GetType(err))
		assert.Empty(t, env.catalog.Load())
		env.assertConsistent(t)
	})

	t.Run("malformed", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		_, err := env.svc.Create(context.Background(), admin, &files.CreateRequest{
			OriginalName: "",
			Content:      strings.NewReader("x"),
		})
		assertCode(t, err, files.CodeMalformedRequest)

		_, err = env.svc.Create(context.Background(), admin, &files.CreateRequest{
			OriginalName: "a.txt",
		})
		assertCode(t, err, files.CodeMalformedRequest)
	})

	t.Run("metadata save failure removes the file", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		env.catalog.failSave.Store(true)

		_, err := env.svc.Create(context.Background(), admin, &files.CreateRequest{
			OriginalName: "a.txt",
			Content:      strings.NewReader("x"),
		})
		assertCode(t, err, files.CodeStorageFailure)
		assert.Equal(t, errx.T_Internal, errx.GetType(err))
		assert.Empty(t, env.dirNames(t, uploadDir))
		env.assertConsistent(t)
	})

	t.Run("cancelled upload", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := env.svc.Create(ctx, admin, &files.CreateRequest{
			OriginalName: "a.txt",
			Content:      strings.NewReader("x"),
		})
		assertCode(t, err, files.CodeMalformedRequest)
		env.assertConsistent(t)
	})
}

func TestCreateNameCollisions(t *testing.T) {
	fixed := time.Unix(1700000000, 0)

	t.Run("regenerates on collision", func(t *testing.T) {
		nonces := []string{"aaaa", "aaaa", "bbbb"}
		var calls int
		namer := &files.Namer{
			Now: func() time.Time { return fixed },
			Nonce: func() string {
				n := nonces[calls%len(nonces)]
				calls++
				return n
			},
		}
		env := newTestEnv(t, files.Options{Namer: namer})

		first := env.create(t, admin, "same.zip", "1", true)
		second := env.create(t, admin, "same.zip", "2", true)

		assert.NotEqual(t, first.Filename, second.Filename)
		env.assertConsistent(t)
	})

	t.Run("gives up without overwriting", func(t *testing.T) {
		namer := &files.Namer{
			Now:   func() time.Time { return fixed },
			Nonce: func() string { return "same" },
		}
		env := newTestEnv(t, files.Options{Namer: namer})
		first := env.create(t, admin, "same.zip", "original", true)

		_, err := env.svc.Create(context.Background(), admin, &files.CreateRequest{
			OriginalName: "same.zip",
			Content:      strings.NewReader("intruder"),
		})
		assertCode(t, err, files.CodeStorageFailure)

		_, rc, err := env.svc.Open(context.Background(), admin, first.Filename)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
		env.assertConsistent(t)
	})
}

func TestConcurrentCreates(t *testing.T) {
	env := newTestEnv(t, files.Options{})
	const n = 25

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Create(context.Background(), editor, &files.CreateRequest{
				OriginalName: "same.txt",
				Content:      strings.NewReader(fmt.Sprintf("content %d", i)),
				Public:       true,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	items := env.catalog.Load()
	require.Len(t, items, n, "no update may be lost")

	seen := map[string]bool{}
	for _, it := range items {
		assert.False(t, seen[it.Filename], "duplicate storage name %s", it.Filename)
		seen[it.Filename] = true
	}
	env.assertConsistent(t)
}

func TestReplace(t *testing.T) {
	replace := func(env *testEnv, p access.Principal, key, name, content string) (*files.Item, error) {
		return env.svc.Replace(context.Background(), p, &files.ReplaceRequest{
			Key:          key,
			OriginalName: name,
			Content:      strings.NewReader(content),
		})
	}

	t.Run("swaps content and keeps identity", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		original := env.create(t, admin, "mod.zip", "v1", true)

		updated, err := replace(env, moderator, original.Filename, "mod-v2.zip", "version 2")
		require.NoError(t, err)

		assert.Equal(t, original.ID, updated.ID)
		assert.Equal(t, original.Title, updated.Title)
		assert.Equal(t, original.Uploader, updated.Uploader)
		assert.Equal(t, original.Public, updated.Public)
		assert.NotEqual(t, original.Filename, updated.Filename)
		assert.Equal(t, "mod-v2.zip", updated.OriginalName)
		assert.Equal(t, int64(9), updated.Size)
		assert.False(t, env.storage.Exists(original.Filename))
		assert.True(t, env.storage.Exists(updated.Filename))
		env.assertConsistent(t)
	})

	t.Run("by id", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		original := env.create(t, admin, "mod.zip", "v1", true)

		updated, err := replace(env, admin, original.ID, "mod.zip", "v2")
		require.NoError(t, err)
		assert.Equal(t, original.ID, updated.ID)
		env.assertConsistent(t)
	})

	t.Run("editor is forbidden", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		original := env.create(t, admin, "mod.zip", "v1", true)

		_, err := replace(env, editor, original.Filename, "mod.zip", "v2")
		assertCode(t, err, access.CodeForbidden)
	})

	t.Run("missing item", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})

		_, err := replace(env, admin, "nope.zip", "mod.zip", "v2")
		assertCode(t, err, files.CodeNotFound)
		env.assertConsistent(t)
	})

	t.Run("metadata save failure keeps the old copy", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		original := env.create(t, admin, "mod.zip", "v1", true)
		env.catalog.failSave.Store(true)

		_, err := replace(env, admin, original.Filename, "mod.zip", "v2")
		assertCode(t, err, files.CodeStorageFailure)
		env.catalog.failSave.Store(false)

		items := env.catalog.Load()
		require.Len(t, items, 1)
		assert.Equal(t, original.Filename, items[0].Filename)
		assert.True(t, env.storage.Exists(original.Filename))
		env.assertConsistent(t)
	})
}

func TestDelete(t *testing.T) {
	t.Run("admin deletes", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		keep := env.create(t, admin, "keep.txt", "k", true)
		gone := env.create(t, admin, "gone.txt", "g", true)

		require.NoError(t, env.svc.Delete(context.Background(), admin, gone.Filename))

		items := env.catalog.Load()
		require.Len(t, items, 1)
		assert.Equal(t, keep.ID, items[0].ID)
		assert.Empty(t, env.dirNames(t, "/data/trash"))
		env.assertConsistent(t)
	})

	t.Run("non-admins are denied", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		item := env.create(t, admin, "a.txt", "a", true)

		assertCode(t, env.svc.Delete(context.Background(), editor, item.Filename), access.CodeForbidden)
		assertCode(t, env.svc.Delete(context.Background(), moderator, item.Filename), access.CodeForbidden)
		assertCode(t, env.svc.Delete(context.Background(), access.Anonymous, item.Filename), access.CodeUnauthorized)
		assert.Len(t, env.catalog.Load(), 1)
	})

	t.Run("missing item", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		assertCode(t, env.svc.Delete(context.Background(), admin, "nope"), files.CodeNotFound)
	})

	t.Run("missing file keeps the record", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		item := env.create(t, admin, "a.txt", "a", true)
		require.NoError(t, env.fsys.Remove(uploadDir+"/"+item.Filename))

		err := env.svc.Delete(context.Background(), admin, item.Filename)
		assertCode(t, err, files.CodeStorageFailure)

		items := env.catalog.Load()
		require.Len(t, items, 1)
		assert.Equal(t, item.ID, items[0].ID)
	})

	t.Run("metadata save failure restores the file", func(t *testing.T) {
		env := newTestEnv(t, files.Options{})
		item := env.create(t, admin, "a.txt", "a", true)
		env.catalog.failSave.Store(true)

		err := env.svc.Delete(context.Background(), admin, item.ID)
		assertCode(t, err, files.CodeStorageFailure)

		assert.True(t, env.storage.Exists(item.Filename))
		assert.Len(t, env.catalog.Load(), 1)
		env.assertConsistent(t)
	})
}

func TestListPublic(t *testing.T) {
	env := newTestEnv(t, files.Options{})
	pub := env.create(t, admin, "pub.zip", "p", true)
	env.create(t, editor, "private.zip", "s", false)

	listed := env.svc.ListPublic()
	require.Len(t, listed, 1)
	assert.Equal(t, pub.ID, listed[0].ID)

	data, err := json.Marshal(listed)
	require.NoError(t, err)
	for _, field := range []string{"uploader", "originalName", "public", "uploadedAt", "/data"} {
		assert.NotContains(t, string(data), field)
	}

	assert.Equal(t, listed, env.svc.ListPublic(), "repeated reads are identical")
}

func TestListPublicEmpty(t *testing.T) {
	env := newTestEnv(t, files.Options{})

	listed := env.svc.ListPublic()
	assert.NotNil(t, listed)
	assert.Empty(t, listed)
}

func TestList(t *testing.T) {
	env := newTestEnv(t, files.Options{})
	env.create(t, admin, "pub.zip", "p", true)
	env.create(t, admin, "private.zip", "s", false)

	items, err := env.svc.List(editor)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = env.svc.List(access.Anonymous)
	assertCode(t, err, access.CodeUnauthorized)
}

func TestOpen(t *testing.T) {
	read := func(t *testing.T, rc io.ReadCloser) string {
		t.Helper()
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(data)
	}

	env := newTestEnv(t, files.Options{})
	pub := env.create(t, admin, "pub.txt", "public content", true)
	priv := env.create(t, admin, "priv.txt", "private content", false)

	t.Run("anonymous reads public", func(t *testing.T) {
		item, rc, err := env.svc.Open(context.Background(), access.Anonymous, pub.Filename)
		require.NoError(t, err)
		assert.Equal(t, pub.ID, item.ID)
		assert.Equal(t, "public content", read(t, rc))
	})

	t.Run("anonymous is refused private", func(t *testing.T) {
		_, _, err := env.svc.Open(context.Background(), access.Anonymous, priv.Filename)
		assertCode(t, err, access.CodeForbidden)
	})

	t.Run("editor reads private", func(t *testing.T) {
		_, rc, err := env.svc.Open(context.Background(), editor, priv.Filename)
		require.NoError(t, err)
		assert.Equal(t, "private content", read(t, rc))
	})

	t.Run("unknown", func(t *testing.T) {
		_, _, err := env.svc.Open(context.Background(), admin, "unknown.txt")
		assertCode(t, err, files.CodeNotFound)
	})

	t.Run("missing content", func(t *testing.T) {
		lost := env.create(t, admin, "lost.txt", "lost", true)
		require.NoError(t, env.fsys.Remove(uploadDir+"/"+lost.Filename))

		_, _, err := env.svc.Open(context.Background(), admin, lost.Filename)
		assertCode(t, err, files.CodeContentMissing)
		assert.Equal(t, errx.T_NotFound, errx.GetType(err))
	})
}

// racingStorage runs before once, ahead of the first Open.
type racingStorage struct {
	*fs.Storage
	before func()
	once   sync.Once
}

func (r *racingStorage) Open(name string) (io.ReadCloser, error) {
	r.once.Do(r.before)
	return r.Storage.Open(name)
}

func TestOpenDuringReplace(t *testing.T) {
	env := newTestEnv(t, files.Options{})
	item := env.create(t, admin, "mod.zip", "v1", true)

	racing := &racingStorage{Storage: env.storage}
	racing.before = func() {
		_, err := env.svc.Replace(context.Background(), moderator, &files.ReplaceRequest{
			Key:          item.ID,
			OriginalName: "mod.zip",
			Content:      strings.NewReader("v2"),
		})
		require.NoError(t, err)
	}
	reader := files.NewService(racing, env.catalog, files.Options{})

	got, rc, err := reader.Open(context.Background(), access.Anonymous, item.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)

	assert.Equal(t, "v2", string(data))
	assert.NotEqual(t, item.Filename, got.Filename)
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, files.Options{})
	kept := env.create(t, admin, "kept.txt", "k", true)
	lost := env.create(t, admin, "lost.txt", "l", true)
	require.NoError(t, env.fsys.Remove(uploadDir+"/"+lost.Filename))
	require.NoError(t, afero.WriteFile(env.fsys, uploadDir+"/stray.bin", []byte("?"), 0644))
	require.NoError(t, afero.WriteFile(env.fsys, stagingDir+"/upload-123", []byte("?"), 0644))

	report, err := env.svc.Reconcile(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Swept)
	assert.Equal(t, []string{"stray.bin"}, report.Orphans)
	assert.Equal(t, []string{lost.Filename}, report.Dangling)
	assert.Equal(t, 0, report.Pruned)
	assert.True(t, env.storage.Exists("stray.bin"))

	report, err = env.svc.Reconcile(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned)
	assert.False(t, env.storage.Exists("stray.bin"))
	assert.True(t, env.storage.Exists(kept.Filename))
	assert.Len(t, env.catalog.Load(), 2, "dangling entries are reported, not dropped")
}

func TestReconcileRetiredFiles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, files.Options{})
	keep := env.create(t, admin, "keep.txt", "keep me", true)
	gone := env.create(t, admin, "gone.txt", "g", true)

	// retired while still catalogued, as after a crash before the catalog save
	_, err := env.storage.Retire(keep.Filename)
	require.NoError(t, err)
	// retired and already dropped from the catalog
	_, err = env.storage.Retire(gone.Filename)
	require.NoError(t, err)
	require.NoError(t, env.catalog.Save([]*files.Item{keep}))

	report, err := env.svc.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{keep.Filename}, report.Restored)
	assert.Equal(t, 1, report.Swept)
	assert.Empty(t, report.Dangling)
	assert.Empty(t, env.dirNames(t, "/data/trash"))
	env.assertConsistent(t)

	_, rc, err := env.svc.Open(ctx, admin, keep.ID)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestCreateLongName(t *testing.T) {
	dir := t.TempDir()
	fsys := afero.NewOsFs()
	storage, err := fs.NewStorage(fsys, dir+"/uploads", dir+"/staging", dir+"/trash")
	require.NoError(t, err)
	store, err := catalog.NewStore(fsys, dir+"/items.json", nil)
	require.NoError(t, err)
	svc := files.NewService(storage, store, files.Options{})

	original := strings.Repeat("a", 251) + ".zip"
	item, err := svc.Create(context.Background(), admin, &files.CreateRequest{
		OriginalName: original,
		Content:      strings.NewReader("payload"),
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(item.Filename), 255)
	assert.True(t, strings.HasSuffix(item.Filename, ".zip"))
	assert.Equal(t, original, item.OriginalName)
	assert.True(t, storage.Exists(item.Filename))
}
