package cleaner

import (
	"fmt"
	"sync"

	"github.com/vorteil/vhdchain/pkg/elog"
	"github.com/vorteil/vhdchain/pkg/vhd"
)

// buildMergePlan finds every maximal run of consecutive unused VHDs, extends
// it with the first used descendant that ends it (if any), and returns each
// as an ordered chain (oldest first). The chain's members are folded forward
// into its final node; the merged file ends up renamed onto that node's
// path, so nothing pointing at it needs its parent pointer rewired. Every
// interrupted merge whose two VHDs survive is also planned as a pair.
func buildMergePlan(st *scanState) [][]string {
	var chains [][]string

	for p, info := range st.vhds {
		if info == nil || info.used {
			continue
		}
		if info.parent != "" {
			if pinfo, ok := st.vhds[info.parent]; ok && pinfo != nil && !pinfo.used {
				continue // not the start of a run; an ancestor already is
			}
		}

		chain := []string{p}
		cur := p
		for {
			child, ok := st.children[cur]
			if !ok {
				break
			}
			cinfo, ok := st.vhds[child]
			if !ok || cinfo == nil {
				break
			}
			chain = append(chain, child)
			if cinfo.used {
				break // the first used descendant receives the merged chain
			}
			cur = child
		}
		if len(chain) > 1 {
			chains = append(chains, chain)
		}
	}

	// A pair that shares a VHD with a planned chain is not added, so chains
	// stay disjoint.
	planned := map[string]bool{}
	for _, chain := range chains {
		for _, p := range chain {
			planned[p] = true
		}
	}
	for _, sc := range st.interrupted {
		if st.vhds[sc.parent] == nil || st.vhds[sc.child] == nil || planned[sc.parent] || planned[sc.child] {
			continue
		}
		chains = append(chains, []string{sc.parent, sc.child})
		planned[sc.parent], planned[sc.child] = true, true
	}

	return chains
}

// executeMergePlan folds each chain forward in place, respecting
// opts.MergeLimit concurrent chains at a time. Chains never share a VHD, so
// they can always run concurrently with each other.
func executeMergePlan(handler vhd.Handler, chains [][]string, opts Options, log elog.Logger) ([][]string, int64, error) {
	var (
		mu        sync.Mutex
		completed [][]string
		totalSize int64
		firstErr  error
	)

	sem := make(chan struct{}, opts.MergeLimit)
	var wg sync.WaitGroup

	for _, chain := range chains {
		chain := chain
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := executeChain(handler, chain, opts, log)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Errorf("cleaner: merge chain %v: %v", chain, err)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			totalSize += n
			completed = append(completed, chain)
		}()
	}
	wg.Wait()

	return completed, totalSize, firstErr
}

// executeChain folds nodes[0..len-2] forward into nodes[len-1] in place: each
// merge absorbs the next node's blocks, then atomically renames the merged
// result onto that node's path (replacing it), so the chain's surviving
// child (whoever points at nodes[len-1]) never needs its parent pointer
// rewritten.
func executeChain(handler vhd.Handler, nodes []string, opts Options, log elog.Logger) (int64, error) {
	var total int64
	current := nodes[0]

	for i := 1; i < len(nodes); i++ {
		next := nodes[i]

		parent, err := vhd.Open(handler, current)
		if err != nil {
			return total, fmt.Errorf("open %s: %w", current, err)
		}
		child, err := vhd.Open(handler, next)
		if err != nil {
			parent.Close()
			return total, fmt.Errorf("open %s: %w", next, err)
		}

		var onProgress vhd.ProgressFunc
		if opts.OnMergeProgress != nil {
			onProgress = func(p vhd.Progress) { opts.OnMergeProgress(current, next, p) }
		}
		n, err := vhd.Merge(handler, current, parent, next, child, onProgress)
		child.Close()
		parent.Close()
		if err != nil {
			return total, fmt.Errorf("merge %s into %s: %w", next, current, err)
		}
		total += n

		// Rename is the atomic commit point (spec: a crash here either
		// leaves current+next both present, resumable from the sidecar, or
		// completes the swap; never a window with neither on disk).
		if err := handler.Rename(current, next); err != nil {
			return total, fmt.Errorf("rename %s to %s: %w", current, next, err)
		}
		log.Infof("cleaner: folded %s into %s (%d bytes)", next, current, n)
		current = next
	}

	return total, nil
}
