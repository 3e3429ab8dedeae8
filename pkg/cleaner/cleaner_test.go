package cleaner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vorteil/vhdchain/pkg/vhd"
)

func vdisDir(t *testing.T, vmDir, name string) string {
	t.Helper()
	dir := filepath.Join(vmDir, "vdis", name, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func createVHD(t *testing.T, handler vhd.Handler, path string, cfg vhd.CreateConfig) *vhd.File {
	t.Helper()
	f, err := vhd.Create(handler, path, cfg)
	require.NoError(t, err)
	return f
}

func TestCleanReportsScannedVHDs(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "disk1")
	path := filepath.Join(dir, "disk1.vhd")
	f := createVHD(t, handler, path, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, f.Close())

	report, err := Clean(handler, vmDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{path}, report.VHDs)
	assert.Empty(t, report.Removed)
}

func TestCleanRemovesBrokenVHDWhenRemoveSet(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "broken")
	path := filepath.Join(dir, "broken.vhd")
	require.NoError(t, os.WriteFile(path, []byte("not a vhd at all, just junk bytes padded out"), 0o644))

	report, err := Clean(handler, vmDir, Options{Remove: true})
	require.NoError(t, err)
	assert.Contains(t, report.Removed, path)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestCleanLeavesBrokenVHDWhenRemoveNotSet(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "broken")
	path := filepath.Join(dir, "broken.vhd")
	require.NoError(t, os.WriteFile(path, []byte("still junk"), 0o644))

	report, err := Clean(handler, vmDir, Options{})
	require.NoError(t, err)
	assert.Empty(t, report.Removed)
	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestCleanPrunesOrphanWhenParentMissing(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain")

	basePath := filepath.Join(dir, "base.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	base := createVHD(t, handler, basePath, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, base.Close())
	child := createVHD(t, handler, childPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: basePath,
	})
	require.NoError(t, child.Close())

	require.NoError(t, os.Remove(basePath))

	report, err := Clean(handler, vmDir, Options{Remove: true})
	require.NoError(t, err)
	assert.Contains(t, report.Removed, childPath)
}

func TestCleanMergesUnusedChainIntoParent(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain2")

	basePath := filepath.Join(dir, "base.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	base := createVHD(t, handler, basePath, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, base.Close())
	child := createVHD(t, handler, childPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: basePath,
	})
	require.NoError(t, child.Close())

	report, err := Clean(handler, vmDir, Options{Merge: true, MergeLimit: 1})
	require.NoError(t, err)
	require.Len(t, report.MergedChains, 1)
	assert.Equal(t, []string{basePath, childPath}, report.MergedChains[0])

	_, err = os.Stat(basePath)
	assert.True(t, os.IsNotExist(err), "base should have been renamed onto child's path")
	_, err = os.Stat(childPath)
	assert.NoError(t, err)
}

func TestCleanMergesUnusedParentIntoUsedChild(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain3")

	basePath := filepath.Join(dir, "base.vhd")
	childPath := filepath.Join(dir, "child.vhd")

	base := createVHD(t, handler, basePath, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, base.Close())
	child := createVHD(t, handler, childPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: basePath,
	})
	require.NoError(t, child.Close())

	rec := struct {
		Mode string            `json:"mode"`
		Size int64             `json:"size"`
		VHDs map[string]string `json:"vhds"`
	}{
		Mode: "delta",
		Size: 1,
		VHDs: map[string]string{"tip": filepath.Join("vdis", "chain3", "chain3", "child.vhd")},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(vmDir, "backup.json"), data, 0o644))

	report, err := Clean(handler, vmDir, Options{Merge: true})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{basePath, childPath}}, report.MergedChains, "the unused base is folded into its used child")

	_, err = os.Stat(basePath)
	assert.True(t, os.IsNotExist(err), "base should have been renamed onto the used child's path")
}

// TestCleanMergesUnusedAncestorsBehindUsedTip covers the chain A<-B<-C where
// only the tip C is referenced by a backup record: A and B must still be
// eligible for merging even though they are ancestors of a used VHD, and
// they are folded into C, so the merged result ends up at C's path.
func TestCleanMergesUnusedAncestorsBehindUsedTip(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain5")

	aPath := filepath.Join(dir, "a.vhd")
	bPath := filepath.Join(dir, "b.vhd")
	cPath := filepath.Join(dir, "c.vhd")

	a := createVHD(t, handler, aPath, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, a.Close())
	b := createVHD(t, handler, bPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: aPath,
	})
	require.NoError(t, b.Close())
	c := createVHD(t, handler, cPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: bPath,
	})
	require.NoError(t, c.Close())

	rec := struct {
		Mode string            `json:"mode"`
		Size int64             `json:"size"`
		VHDs map[string]string `json:"vhds"`
	}{
		Mode: "delta",
		Size: 1,
		VHDs: map[string]string{"tip": filepath.Join("vdis", "chain5", "chain5", "c.vhd")},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(vmDir, "backup.json"), data, 0o644))

	report, err := Clean(handler, vmDir, Options{Merge: true})
	require.NoError(t, err)
	require.Len(t, report.MergedChains, 1)
	assert.Equal(t, []string{aPath, bPath, cPath}, report.MergedChains[0])

	_, err = os.Stat(aPath)
	assert.True(t, os.IsNotExist(err), "a should have been renamed onto b's path")
	_, err = os.Stat(bPath)
	assert.True(t, os.IsNotExist(err), "the merged a+b should have been renamed onto c's path")
	_, err = os.Stat(cPath)
	assert.NoError(t, err, "c's path now holds the merged a+b+c data")
}

func TestCleanFixMetadataGrowsDeclaredSize(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain4")

	path := filepath.Join(dir, "disk.vhd")
	f := createVHD(t, handler, path, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, f.Close())

	recPath := filepath.Join(vmDir, "backup.json")
	rec := struct {
		Mode string            `json:"mode"`
		Size int64             `json:"size"`
		VHDs map[string]string `json:"vhds"`
	}{
		Mode: "delta",
		Size: 1,
		VHDs: map[string]string{"tip": filepath.Join("vdis", "chain4", "chain4", "disk.vhd")},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(recPath, data, 0o644))

	report, err := Clean(handler, vmDir, Options{FixMetadata: true})
	require.NoError(t, err)
	assert.Contains(t, report.RewrittenMetadata, recPath)

	out, err := os.ReadFile(recPath)
	require.NoError(t, err)
	var got struct {
		Size int64 `json:"size"`
	}
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Greater(t, got.Size, int64(1))
}

// TestCleanExcludesBothChildrenOnConflict covers a parent with two VHDs
// both declaring it as their parent: neither may be folded forward as "the"
// child of that parent, since there is no way to tell which one is correct.
func TestCleanExcludesBothChildrenOnConflict(t *testing.T) {
	vmDir := t.TempDir()
	handler := vhd.NewLocalHandler()
	dir := vdisDir(t, vmDir, "chain6")

	basePath := filepath.Join(dir, "base.vhd")
	childAPath := filepath.Join(dir, "childa.vhd")
	childBPath := filepath.Join(dir, "childb.vhd")

	base := createVHD(t, handler, basePath, vhd.CreateConfig{Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Dynamic})
	require.NoError(t, base.Close())
	childA := createVHD(t, handler, childAPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: basePath,
	})
	require.NoError(t, childA.Close())
	childB := createVHD(t, handler, childBPath, vhd.CreateConfig{
		Size: 8 * 1024, BlockSize: 512, DiskType: vhd.Differencing, ParentPath: basePath,
	})
	require.NoError(t, childB.Close())

	report, err := Clean(handler, vmDir, Options{Merge: true})
	require.NoError(t, err)
	assert.Empty(t, report.MergedChains, "an ambiguous parent must never be folded into either contender")

	_, err = os.Stat(basePath)
	assert.NoError(t, err)
	_, err = os.Stat(childAPath)
	assert.NoError(t, err)
	_, err = os.Stat(childBPath)
	assert.NoError(t, err)
}
