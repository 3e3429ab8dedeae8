// Package cleaner scans a VM directory's VHDs, discovers parent/child
// chains, prunes broken and orphaned disks, and coalesces unused chains into
// their used descendant, resuming any merge interrupted by a previous crash.
package cleaner

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"unicode/utf16"

	"github.com/vorteil/vhdchain/pkg/elog"
	"github.com/vorteil/vhdchain/pkg/vhd"
)

// Options configures a Clean run. The cleaner only ever reports by default:
// nothing is removed, rewritten, or merged unless the corresponding flag is
// set.
type Options struct {
	// Remove deletes broken VHDs and orphans.
	Remove bool
	// Merge executes the chain merge plan.
	Merge bool
	// FixMetadata rewrites backup JSON sizes that have grown.
	FixMetadata bool
	// MergeLimit caps how many chain merges run concurrently. Chains that
	// share a VHD are never merged concurrently regardless of this limit.
	// Defaults to 1.
	MergeLimit int
	// Logger receives diagnostic messages. Defaults to a no-op logger.
	Logger elog.Logger
	// OnMergeProgress, if set, is invoked after each block coalesced while
	// folding child into parent during a chain merge.
	OnMergeProgress func(parent, child string, p vhd.Progress)
}

// Report summarizes what Clean found and did.
type Report struct {
	VHDs              []string
	Removed           []string
	MergedChains      [][]string
	MergedBytes       int64
	RewrittenMetadata []string
}

// Clean runs a full scan-prune-merge-rewrite pass over vmDir.
func Clean(handler vhd.Handler, vmDir string, opts Options) (*Report, error) {
	if opts.MergeLimit <= 0 {
		opts.MergeLimit = 1
	}
	log := opts.Logger
	if log == nil {
		log = noopLogger{}
	}

	report := &Report{}

	scan, err := scanVHDs(handler, vmDir, log)
	if err != nil {
		return nil, err
	}

	pruneBroken(handler, scan, opts, log, report)
	pruneOrphans(handler, scan, opts, log, report)
	pruneDanglingSidecars(handler, scan, opts, log)

	meta, err := collectMetadata(handler, vmDir, log)
	if err != nil {
		return nil, err
	}
	markUsed(scan, meta)

	plan := buildMergePlan(scan)
	if opts.Merge {
		merged, mergedBytes, err := executeMergePlan(handler, plan, opts, log)
		if err != nil {
			return report, err
		}
		report.MergedChains = merged
		report.MergedBytes = mergedBytes
	} else {
		for _, chain := range plan {
			report.MergedChains = append(report.MergedChains, chain)
		}
	}

	if opts.FixMetadata {
		rewritten, err := rewriteMetadataSizes(handler, vmDir, meta, scan, log)
		if err != nil {
			return report, err
		}
		report.RewrittenMetadata = rewritten
	}

	for p := range scan.vhds {
		report.VHDs = append(report.VHDs, p)
	}
	sort.Strings(report.VHDs)

	return report, nil
}

// vhdInfo is what the cleaner keeps about one surviving VHD across phases.
type vhdInfo struct {
	path     string
	diskType vhd.DiskType
	parent   string // resolved path, "" if none
	used     bool   // referenced by a surviving backup JSON
}

type scanState struct {
	vhds        map[string]*vhdInfo
	children    map[string]string // parent path -> child path
	interrupted map[string]*sidecarInfo
	// ambiguous holds parents with more than one declared child; such a
	// parent is excluded from st.children entirely so buildMergePlan never
	// picks one contender over the other by map insertion order.
	ambiguous map[string]bool
}

type sidecarInfo struct {
	parent string
	child  string
}

// scanVHDs walks vmDir/vdis/*/*/ for VHDs and interrupted-merge sidecars,
// opening every VHD to record its disk type and declared parent.
func scanVHDs(handler vhd.Handler, vmDir string, log elog.Logger) (*scanState, error) {
	st := &scanState{
		vhds:        map[string]*vhdInfo{},
		children:    map[string]string{},
		interrupted: map[string]*sidecarInfo{},
		ambiguous:   map[string]bool{},
	}

	vdisRoot := filepath.Join(vmDir, "vdis")
	level1, err := handler.List(vdisRoot, vhd.ListOptions{IgnoreMissing: true, PrependDir: true})
	if err != nil {
		return nil, fmt.Errorf("cleaner: list %s: %w", vdisRoot, err)
	}

	var leafDirs []string
	for _, d1 := range level1 {
		level2, err := handler.List(d1, vhd.ListOptions{IgnoreMissing: true, PrependDir: true})
		if err != nil {
			return nil, fmt.Errorf("cleaner: list %s: %w", d1, err)
		}
		leafDirs = append(leafDirs, level2...)
	}

	for _, dir := range leafDirs {
		sidecars, err := handler.List(dir, vhd.ListOptions{IgnoreMissing: true, PrependDir: true, Filter: ".*.merge.json"})
		if err != nil {
			return nil, err
		}
		for _, sc := range sidecars {
			data, err := handler.ReadFile(sc)
			if err != nil {
				log.Warnf("cleaner: read sidecar %s: %v", sc, err)
				continue
			}
			var s struct {
				Parent string `json:"parent"`
				Child  string `json:"child"`
			}
			if err := json.Unmarshal(data, &s); err != nil {
				log.Warnf("cleaner: parse sidecar %s: %v", sc, err)
				continue
			}
			st.interrupted[s.Child] = &sidecarInfo{parent: s.Parent, child: s.Child}
		}

		vhds, err := handler.List(dir, vhd.ListOptions{IgnoreMissing: true, PrependDir: true, Filter: "*.vhd"})
		if err != nil {
			return nil, err
		}
		for _, p := range vhds {
			_, interrupted := st.interrupted[p]
			info, err := openVHDInfo(handler, p, !interrupted)
			if err != nil {
				if !isFormatError(err) {
					log.Warnf("cleaner: open %s: %v (skipping this scan, not marking broken)", p, err)
					continue
				}
				st.vhds[p] = nil // marks "seen but broken"
				log.Warnf("cleaner: %s: %v", p, err)
				continue
			}
			st.vhds[p] = info
			if info.parent != "" {
				if st.ambiguous[info.parent] {
					log.Errorf("cleaner: %v: %s also declares parent %s; excluded from the merge plan", vhd.ErrMultipleChildren, p, info.parent)
					continue
				}
				if existing, ok := st.children[info.parent]; ok && existing != p {
					log.Errorf("cleaner: %v: %s and %s both declare parent %s; excluding both from the merge plan", vhd.ErrMultipleChildren, existing, p, info.parent)
					delete(st.children, info.parent)
					st.ambiguous[info.parent] = true
					continue
				}
				st.children[info.parent] = p
			}
		}
	}

	return st, nil
}

func openVHDInfo(handler vhd.Handler, path string, checkSecondFooter bool) (*vhdInfo, error) {
	f, err := vhd.OpenChecked(handler, path, checkSecondFooter)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info := &vhdInfo{path: path, diskType: vhd.DiskType(f.Footer().DiskType)}
	if info.diskType == vhd.Differencing {
		info.parent = resolveParentName(path, f.Header().ParentUnicodeName)
	}
	return info, nil
}

// resolveParentName decodes a UTF-16BE, NUL-padded parent name and resolves
// it relative to the directory child lives in.
func resolveParentName(childPath string, raw [512]byte) string {
	units := make([]uint16, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		u := uint16(raw[i])<<8 | uint16(raw[i+1])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	name := string(utf16.Decode(units))
	if name == "" {
		return ""
	}
	return filepath.Join(filepath.Dir(childPath), name)
}

// isFormatError reports whether err represents a recoverable structural
// problem with a VHD (bad cookie/checksum/footer mismatch) rather than an
// I/O failure.
func isFormatError(err error) bool {
	return errors.Is(err, vhd.ErrInvalidRecord) ||
		errors.Is(err, vhd.ErrBadChecksum) ||
		errors.Is(err, vhd.ErrFooterMismatch)
}

// pruneBroken removes (when opts.Remove) VHDs that failed to open due to a
// structural format error, and drops them from the scan state either way.
func pruneBroken(handler vhd.Handler, st *scanState, opts Options, log elog.Logger, report *Report) {
	for p, info := range st.vhds {
		if info != nil {
			continue
		}
		delete(st.vhds, p)
		if opts.Remove {
			if err := handler.Unlink(p); err != nil {
				log.Warnf("cleaner: unlink broken VHD %s: %v", p, err)
				continue
			}
			log.Infof("cleaner: removed broken VHD %s", p)
			report.Removed = append(report.Removed, p)
		} else {
			log.Infof("cleaner: %s is broken (not removed; remove=false)", p)
		}
	}
}

// pruneOrphans drops (and, when opts.Remove, deletes) any VHD whose declared
// parent doesn't survive in st.vhds, cascading through chains of missing
// ancestors.
func pruneOrphans(handler vhd.Handler, st *scanState, opts Options, log elog.Logger, report *Report) {
	for {
		var orphan string
		for p, info := range st.vhds {
			if info.parent == "" {
				continue
			}
			if _, ok := st.vhds[info.parent]; !ok {
				orphan = p
				break
			}
		}
		if orphan == "" {
			return
		}

		delete(st.vhds, orphan)
		if opts.Remove {
			if err := handler.Unlink(orphan); err != nil {
				log.Warnf("cleaner: unlink orphan %s: %v", orphan, err)
				continue
			}
			log.Infof("cleaner: removed orphan %s (%v)", orphan, vhd.ErrParentMissing)
			report.Removed = append(report.Removed, orphan)
		} else {
			log.Infof("cleaner: %s is an orphan (not removed; remove=false)", orphan)
		}
	}
}

// pruneDanglingSidecars removes interrupted-merge sidecars whose child no
// longer exists as a surviving VHD (it was already merged to completion, or
// pruned as broken or orphaned in an earlier phase).
func pruneDanglingSidecars(handler vhd.Handler, st *scanState, opts Options, log elog.Logger) {
	if !opts.Remove {
		return
	}
	for child := range st.interrupted {
		if _, ok := st.vhds[child]; ok {
			continue
		}
		dir, base := filepath.Split(child)
		sidecar := filepath.Join(dir, "."+base+".merge.json")
		if err := handler.Unlink(sidecar); err != nil {
			log.Warnf("cleaner: unlink dangling sidecar %s: %v", sidecar, err)
			continue
		}
		log.Infof("cleaner: removed dangling sidecar %s", sidecar)
	}
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{})              {}
func (noopLogger) Errorf(string, ...interface{})              {}
func (noopLogger) Infof(string, ...interface{})               {}
func (noopLogger) Warnf(string, ...interface{})               {}
func (noopLogger) Tracef(string, ...interface{})              {}
func (noopLogger) Logf(elog.LogLevel, string, ...interface{}) {}
func (noopLogger) IsLogLevelEnabled(elog.LogLevel) bool        { return false }
func (noopLogger) Scoped(string) elog.Logger                   { return noopLogger{} }
func (noopLogger) Finish(bool)                                 {}

var _ elog.Logger = noopLogger{}
