package filecat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/metadex/metadex"
	"github.com/metadex/metadex/sqlstore"
)

func newTestCatalog(t *testing.T, opts ...Option) *Catalog {
	t.Helper()
	c, err := Open("", opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// seedCatalog loads two observations across two detsets, with the files
// inserted out of order on purpose.
func seedCatalog(t *testing.T, c *Catalog) {
	t.Helper()
	ctx := context.Background()

	if _, err := c.AddDetSet(ctx, "ds_a", []string{"d01", "d00"}); err != nil {
		t.Fatalf("AddDetSet ds_a: %v", err)
	}
	if _, err := c.AddDetSet(ctx, "ds_b", []string{"d02", "d03"}); err != nil {
		t.Fatalf("AddDetSet ds_b: %v", err)
	}

	files := []File{
		{Name: "obs1/a_1.g3", DetSet: "ds_a", ObsID: "obs1", SampleStart: 1000, SampleStop: 2000},
		{Name: "obs1/b_0.g3", DetSet: "ds_b", ObsID: "obs1", SampleStart: 0, SampleStop: 2000},
		{Name: "obs1/a_0.g3", DetSet: "ds_a", ObsID: "obs1", SampleStart: 0, SampleStop: 1000},
		{Name: "obs2/a_0.g3", DetSet: "ds_a", ObsID: "obs2", SampleStart: 0, SampleStop: 500},
	}
	if err := c.AddFiles(ctx, files); err != nil {
		t.Fatalf("AddFiles: %v", err)
	}
}

func TestCatalog_AddDetSet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	name, err := c.AddDetSet(ctx, "wafer09", []string{"d02", "d00", "d01"})
	if err != nil {
		t.Fatalf("AddDetSet: %v", err)
	}
	if name != "wafer09" {
		t.Fatalf("AddDetSet returned %q, want wafer09", name)
	}

	dets, err := c.Dets(ctx, "wafer09")
	if err != nil {
		t.Fatalf("Dets: %v", err)
	}
	if want := []string{"d00", "d01", "d02"}; !reflect.DeepEqual(dets, want) {
		t.Errorf("Dets = %v, want %v", dets, want)
	}
}

func TestCatalog_DeriveDetSetName(t *testing.T) {
	a := DeriveDetSetName([]string{"d00", "d01", "d02"})
	b := DeriveDetSetName([]string{"d02", "d00", "d01"})
	if a != b {
		t.Errorf("name depends on member order: %q vs %q", a, b)
	}
	if c := DeriveDetSetName([]string{"d00", "d01"}); c == a {
		t.Errorf("different members produced the same name %q", c)
	}
	if len(a) != len("ds_")+16 || a[:3] != "ds_" {
		t.Errorf("unexpected name shape %q", a)
	}

	cat := newTestCatalog(t)
	ctx := context.Background()
	name, err := cat.AddDetSet(ctx, "", []string{"d01", "d00", "d02"})
	if err != nil {
		t.Fatalf("AddDetSet: %v", err)
	}
	if name != a {
		t.Errorf("AddDetSet derived %q, want %q", name, a)
	}
	dets, err := cat.Dets(ctx, name)
	if err != nil {
		t.Fatalf("Dets: %v", err)
	}
	if len(dets) != 3 {
		t.Errorf("derived detset has %d members, want 3", len(dets))
	}
}

func TestCatalog_DetectorBelongsToOneDetSet(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	if _, err := c.AddDetSet(ctx, "ds_a", []string{"d00", "d01"}); err != nil {
		t.Fatalf("AddDetSet: %v", err)
	}
	_, err := c.AddDetSet(ctx, "ds_b", []string{"d01", "d02"})
	if !errors.Is(err, metadex.ErrCollision) {
		t.Fatalf("reassigning d01 returned %v, want ErrCollision", err)
	}

	// The failed detset must not be half inserted.
	dets, err := c.Dets(ctx, "ds_b")
	if err != nil {
		t.Fatalf("Dets: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("failed detset left %d rows behind", len(dets))
	}
}

func TestCatalog_AddDetSetRequiresMembers(t *testing.T) {
	c := newTestCatalog(t)
	_, err := c.AddDetSet(context.Background(), "empty", nil)
	if !errors.Is(err, metadex.ErrMissingParameter) {
		t.Fatalf("AddDetSet(nil) returned %v, want ErrMissingParameter", err)
	}
}

func TestCatalog_Observations(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)

	obs, err := c.Observations(context.Background())
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if want := []string{"obs1", "obs2"}; !reflect.DeepEqual(obs, want) {
		t.Errorf("Observations = %v, want %v", obs, want)
	}
}

func TestCatalog_DetSets(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)
	ctx := context.Background()

	ds, err := c.DetSets(ctx, "obs1")
	if err != nil {
		t.Fatalf("DetSets: %v", err)
	}
	if want := []string{"ds_a", "ds_b"}; !reflect.DeepEqual(ds, want) {
		t.Errorf("DetSets(obs1) = %v, want %v", ds, want)
	}

	ds, err = c.DetSets(ctx, "obs2")
	if err != nil {
		t.Fatalf("DetSets: %v", err)
	}
	if want := []string{"ds_a"}; !reflect.DeepEqual(ds, want) {
		t.Errorf("DetSets(obs2) = %v, want %v", ds, want)
	}
}

func TestCatalog_FilesOrdering(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)

	entries, err := c.Files(context.Background(), "obs1", nil)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	want := []FileEntry{
		{DetSet: "ds_a", Name: "obs1/a_0.g3", SampleStart: 0, SampleStop: 1000},
		{DetSet: "ds_a", Name: "obs1/a_1.g3", SampleStart: 1000, SampleStop: 2000},
		{DetSet: "ds_b", Name: "obs1/b_0.g3", SampleStart: 0, SampleStop: 2000},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("Files = %+v, want %+v", entries, want)
	}
}

func TestCatalog_FilesDetSetFilter(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)
	ctx := context.Background()

	entries, err := c.Files(ctx, "obs1", []string{"ds_b"})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "obs1/b_0.g3" {
		t.Errorf("Files(ds_b) = %+v, want just obs1/b_0.g3", entries)
	}

	// An explicit empty filter selects nothing, unlike nil.
	entries, err = c.Files(ctx, "obs1", []string{})
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Files(empty filter) = %+v, want none", entries)
	}
}

func TestCatalog_FilesPrefix(t *testing.T) {
	c := newTestCatalog(t, WithPrefix("/data/archive"))
	seedCatalog(t, c)

	entries, err := c.Files(context.Background(), "obs2", nil)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Files = %+v, want one entry", entries)
	}
	if want := filepath.Join("/data/archive", "obs2/a_0.g3"); entries[0].Name != want {
		t.Errorf("prefixed name = %q, want %q", entries[0].Name, want)
	}
}

func TestCatalog_AddFileDuplicate(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	f := File{Name: "obs1/a_0.g3", DetSet: "ds_a", ObsID: "obs1", SampleStop: 100}
	if err := c.AddFile(ctx, f); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := c.AddFile(ctx, f); !errors.Is(err, metadex.ErrCollision) {
		t.Fatalf("duplicate AddFile returned %v, want ErrCollision", err)
	}
}

func TestCatalog_AddFilesIsAtomic(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	batch := []File{
		{Name: "obs1/a_0.g3", DetSet: "ds_a", ObsID: "obs1"},
		{Name: "obs1/a_0.g3", DetSet: "ds_a", ObsID: "obs1"},
	}
	if err := c.AddFiles(ctx, batch); !errors.Is(err, metadex.ErrCollision) {
		t.Fatalf("AddFiles returned %v, want ErrCollision", err)
	}
	obs, err := c.Observations(ctx)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(obs) != 0 {
		t.Errorf("failed batch left %d observations behind", len(obs))
	}
}

func TestCatalog_FrameOffsets(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)
	ctx := context.Background()

	offsets := []FrameOffset{
		{FrameIndex: 1, ByteOffset: 4096, FrameType: "Scan", SampleStart: 500, SampleStop: 1000},
		{FrameIndex: 0, ByteOffset: 0, FrameType: "Scan", SampleStart: 0, SampleStop: 500},
	}
	if err := c.AddFrameOffsets(ctx, "obs1/a_0.g3", offsets); err != nil {
		t.Fatalf("AddFrameOffsets: %v", err)
	}

	got, err := c.FrameOffsets(ctx, "obs1/a_0.g3")
	if err != nil {
		t.Fatalf("FrameOffsets: %v", err)
	}
	want := []FrameOffset{
		{FrameIndex: 0, ByteOffset: 0, FrameType: "Scan", SampleStart: 0, SampleStop: 500},
		{FrameIndex: 1, ByteOffset: 4096, FrameType: "Scan", SampleStart: 500, SampleStop: 1000},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FrameOffsets = %+v, want %+v", got, want)
	}

	got, err = c.FrameOffsets(ctx, "obs1/a_1.g3")
	if err != nil {
		t.Fatalf("FrameOffsets: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("file without offsets returned %+v", got)
	}
}

func TestCatalog_Version(t *testing.T) {
	c := newTestCatalog(t)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != 1 {
		t.Errorf("Version = %d, want 1", v)
	}
}

func TestCatalog_OpenDir(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	c, err := OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	seedCatalog(t, c)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultFilename)); err != nil {
		t.Fatalf("catalog file missing: %v", err)
	}

	// Reopening must not disturb existing contents.
	c, err = OpenDir(dir)
	if err != nil {
		t.Fatalf("OpenDir reopen: %v", err)
	}
	defer c.Close()

	if v, err := c.Version(ctx); err != nil || v != 1 {
		t.Fatalf("Version after reopen = %d, %v", v, err)
	}
	entries, err := c.Files(ctx, "obs2", nil)
	if err != nil {
		t.Fatalf("Files: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Files = %+v, want one entry", entries)
	}
	if want := filepath.Join(dir, "obs2/a_0.g3"); entries[0].Name != want {
		t.Errorf("prefixed name = %q, want %q", entries[0].Name, want)
	}
}

func TestCatalog_Copy(t *testing.T) {
	c := newTestCatalog(t, WithPrefix("/data"))
	seedCatalog(t, c)
	ctx := context.Background()

	dup, err := c.Copy(ctx, "")
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	defer dup.Close()

	if dup.Prefix() != "/data" {
		t.Errorf("copy prefix = %q, want /data", dup.Prefix())
	}
	obs, err := dup.Observations(ctx)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if want := []string{"obs1", "obs2"}; !reflect.DeepEqual(obs, want) {
		t.Errorf("copy Observations = %v, want %v", obs, want)
	}

	// The copy must be detached from the original.
	err = dup.AddFile(ctx, File{Name: "obs3/x.g3", DetSet: "ds_a", ObsID: "obs3"})
	if err != nil {
		t.Fatalf("AddFile on copy: %v", err)
	}
	obs, err = c.Observations(ctx)
	if err != nil {
		t.Fatalf("Observations: %v", err)
	}
	if len(obs) != 2 {
		t.Errorf("write to copy leaked into original: %v", obs)
	}
}

func TestCatalog_WriteFile(t *testing.T) {
	c := newTestCatalog(t)
	seedCatalog(t, c)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "filecat.sql.gz")
	if err := c.WriteFile(ctx, path, sqlstore.FormatAuto, false); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s, err := sqlstore.ReadFile(ctx, path, sqlstore.FormatAuto)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"detsets", "files", "frame_offsets", "meta"} {
		ok, err := s.HasTable(ctx, table)
		if err != nil {
			t.Fatalf("HasTable(%s): %v", table, err)
		}
		if !ok {
			t.Errorf("restored catalog is missing table %q", table)
		}
	}
}
