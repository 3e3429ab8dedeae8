package cleaner

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/vorteil/vhdchain/pkg/elog"
	"github.com/vorteil/vhdchain/pkg/vhd"
)

// backupRecord is one backup descriptor JSON at vmDir's top level. A "full"
// backup points at a single XVA archive; a "delta" backup points at the
// chain of VHDs that reconstruct it.
type backupRecord struct {
	path string
	Mode string            `json:"mode"`
	Size int64             `json:"size"`
	XVA  string            `json:"xva,omitempty"`
	VHDs map[string]string `json:"vhds,omitempty"`
}

type metadataState struct {
	records []*backupRecord
}

// collectMetadata reads every backup descriptor JSON directly under vmDir.
func collectMetadata(handler vhd.Handler, vmDir string, log elog.Logger) (*metadataState, error) {
	st := &metadataState{}

	names, err := handler.List(vmDir, vhd.ListOptions{IgnoreMissing: true, PrependDir: true, Filter: "*.json"})
	if err != nil {
		return nil, fmt.Errorf("cleaner: list %s: %w", vmDir, err)
	}

	for _, p := range names {
		data, err := handler.ReadFile(p)
		if err != nil {
			log.Warnf("cleaner: read metadata %s: %v", p, err)
			continue
		}
		rec := &backupRecord{path: p}
		if err := json.Unmarshal(data, rec); err != nil {
			log.Warnf("cleaner: parse metadata %s: %v", p, err)
			continue
		}
		st.records = append(st.records, rec)
	}

	return st, nil
}

// markUsed flags exactly the VHDs a surviving backup record names as used,
// so the merge plan leaves them alone. An unreferenced ancestor behind a
// used tip is deliberately left eligible for merging: A<-B<-C with only C
// referenced must still allow A and B to be folded into C.
func markUsed(st *scanState, meta *metadataState) {
	for _, rec := range meta.records {
		if rec.Mode != "delta" {
			continue
		}
		for _, rel := range rec.VHDs {
			p := filepath.Join(filepath.Dir(rec.path), rel)
			if info, ok := st.vhds[p]; ok && info != nil {
				info.used = true
			}
		}
	}
}

// rewriteMetadataSizes recomputes each delta backup record's declared size
// from the current on-disk size of its VHD chain, and rewrites the JSON when
// that size has grown. A backup record's declared size only ever moves up:
// shrinking it would make a previously-valid backup appear to need less
// space than it actually occupies on a restore.
func rewriteMetadataSizes(handler vhd.Handler, vmDir string, meta *metadataState, st *scanState, log elog.Logger) ([]string, error) {
	var rewritten []string

	for _, rec := range meta.records {
		if rec.Mode != "delta" {
			continue
		}

		var total int64
		for _, rel := range rec.VHDs {
			p := filepath.Join(filepath.Dir(rec.path), rel)
			size, err := handler.GetSize(p)
			if err != nil {
				log.Warnf("cleaner: size %s: %v", p, err)
				continue
			}
			total += size
		}

		if total <= rec.Size {
			continue
		}

		rec.Size = total
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return rewritten, fmt.Errorf("cleaner: marshal %s: %w", rec.path, err)
		}
		if err := handler.WriteFile(rec.path, data, 0); err != nil {
			return rewritten, fmt.Errorf("cleaner: write %s: %w", rec.path, err)
		}
		log.Infof("cleaner: grew declared size of %s to %d", rec.path, total)
		rewritten = append(rewritten, rec.path)
	}

	return rewritten, nil
}
