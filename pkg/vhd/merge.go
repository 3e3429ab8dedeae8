package vhd

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// sidecarName returns the path of the interrupted-merge marker for a child
// VHD at childPath.
func sidecarName(childPath string) string {
	dir, base := filepath.Split(childPath)
	return filepath.Join(dir, "."+base+".merge.json")
}

// sidecar records the state of an in-progress chain merge, durable enough to
// resume after a crash.
type sidecar struct {
	Parent       string `json:"parent"`
	Child        string `json:"child"`
	MergedBlocks uint32 `json:"mergedBlocks"`
}

func readSidecar(handler Handler, childPath string) (*sidecar, error) {
	buf, err := handler.ReadFile(sidecarName(childPath))
	if err != nil {
		return nil, err
	}
	s := new(sidecar)
	if err := json.Unmarshal(buf, s); err != nil {
		return nil, fmt.Errorf("vhd: parse sidecar for %s: %w", childPath, err)
	}
	return s, nil
}

// writeSidecar durably records s by writing to a temporary path and
// renaming over the sidecar's real name, so a crash mid-write never leaves a
// torn sidecar behind (Merge would otherwise have to distinguish a torn read
// from a genuinely fresh chain).
func writeSidecar(handler Handler, s *sidecar) error {
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	final := sidecarName(s.Child)
	tmp := final + ".tmp"
	if err := handler.WriteFile(tmp, buf, 0); err != nil {
		return err
	}
	return handler.Rename(tmp, final)
}

func deleteSidecar(handler Handler, childPath string) error {
	return handler.Unlink(sidecarName(childPath))
}

// Progress reports how far a chain merge has walked the child's block
// allocation table: Done of Total slots, counting slots with no block and
// slots already merged by an earlier, interrupted run.
type Progress struct {
	Done  int
	Total int
}

// ProgressFunc is invoked after each block is coalesced during Merge.
type ProgressFunc func(Progress)

// Merge coalesces every allocated block of the differencing VHD at
// childPath into the VHD at parentPath, then makes the merged parent take on
// the child's identity (diskType, sizes, parent pointer). It is crash-safe:
// a sidecar marker is written durably before the first mutation of parent,
// and replaying an interrupted merge is idempotent.
//
// parent and child must already be open (header/footer/BAT loaded) via
// Open. Neither is closed by Merge; the caller owns their lifetime.
func Merge(handler Handler, parentPath string, parent *File, childPath string, child *File, onProgress ProgressFunc) (int64, error) {
	if DiskType(child.Footer().DiskType) != Differencing {
		return 0, fmt.Errorf("vhd: merge: %s is not a differencing disk", childPath)
	}
	switch DiskType(parent.Footer().DiskType) {
	case Dynamic, Differencing:
	default:
		return 0, fmt.Errorf("vhd: merge: %s is not dynamic or differencing", parentPath)
	}

	s := &sidecar{Parent: parentPath, Child: childPath, MergedBlocks: 0}
	if existing, err := readSidecar(handler, childPath); err == nil {
		s = existing
	} else if err := writeSidecar(handler, s); err != nil {
		return 0, fmt.Errorf("vhd: merge: write sidecar: %w", err)
	}

	if err := parent.EnsureBatSize(child.Header().MaxTableEntries); err != nil {
		return 0, fmt.Errorf("vhd: merge: grow parent BAT: %w", err)
	}

	var merged int64
	total := int(child.Header().MaxTableEntries)
	done := 0
	for id := uint32(0); id < child.Header().MaxTableEntries; id++ {
		done++
		if id < s.MergedBlocks {
			continue // already durably merged in a previous, interrupted run
		}
		if !child.ContainsBlock(id) {
			continue
		}
		n, err := parent.CoalesceBlock(child, id)
		if err != nil {
			return merged, fmt.Errorf("vhd: merge: coalesce block %d: %w", id, err)
		}
		merged += n

		s.MergedBlocks = id + 1
		if err := writeSidecar(handler, s); err != nil {
			return merged, fmt.Errorf("vhd: merge: update sidecar: %w", err)
		}
		if onProgress != nil {
			onProgress(Progress{Done: done, Total: total})
		}
	}

	if err := finalizeMerge(parent, child); err != nil {
		return merged, fmt.Errorf("vhd: merge: finalize: %w", err)
	}

	if err := deleteSidecar(handler, childPath); err != nil {
		return merged, fmt.Errorf("vhd: merge: delete sidecar: %w", err)
	}

	return merged, nil
}

// finalizeMerge makes the merged parent assume the child's identity: its
// disk type, its declared sizes, and (if the child itself had a parent) its
// parent pointer. This is the step that turns "parent plus every child
// block" into "what the child used to resolve to".
func finalizeMerge(parent, child *File) error {
	pf := *parent.Footer()
	cf := child.Footer()
	pf.DiskType = cf.DiskType
	pf.OriginalSize = cf.OriginalSize
	pf.CurrentSize = cf.CurrentSize
	parent.footer = &pf

	ph := *parent.Header()
	ch := child.Header()
	ph.ParentUniqueID = ch.ParentUniqueID
	ph.ParentTimeStamp = ch.ParentTimeStamp
	ph.ParentUnicodeName = ch.ParentUnicodeName
	ph.ParentLocator = ch.ParentLocator
	parent.setHeader(&ph)

	if err := parent.WriteHeader(); err != nil {
		return err
	}
	return parent.WriteFooter(false)
}
