package worker

import (
	"context"
	"fmt"
	"os"

	"github.com/cuemby/dedupd/pkg/delta"
	"github.com/cuemby/dedupd/pkg/fingerprint"
	"github.com/cuemby/dedupd/pkg/memxfer"
	"github.com/cuemby/dedupd/pkg/rpc"
	"github.com/cuemby/dedupd/pkg/types"
)

// splitPages chunks a dump image into PageSize-aligned pages, zero-padding
// a short final page.
func splitPages(data []byte) [][]byte {
	n := (len(data) + types.PageSize - 1) / types.PageSize
	pages := make([][]byte, n)
	for i := 0; i < n; i++ {
		page := make([]byte, types.PageSize)
		copy(page, data[i*types.PageSize:min(len(data), (i+1)*types.PageSize)])
		pages[i] = page
	}
	return pages
}

// allocRegionID derives a dense, remote-facing region id for sandboxID, per
// the high-bit convention documented on types.MemoryRegionIDRemoteMask.
func (w *Worker) allocRegionID(sandboxID int) memxfer.RegionID {
	return memxfer.RegionID(types.MemoryRegionIDRemoteMask | (uint32(sandboxID) & types.MemoryRegionIDMaxValue))
}

// connectPeer lazily dials the memory-transfer endpoint of machineID, as
// recorded in the cluster topology file.
func (w *Worker) connectPeer(machineID int) error {
	if machineID == w.machineID {
		return nil
	}
	for _, node := range w.cluster.MemoryNodes {
		if node.MachineID == machineID {
			return w.mem.ConnectPeer(machineID, node.Addr+":"+node.Port)
		}
	}
	return fmt.Errorf("worker: no memory_nodes entry for machine %d", machineID)
}

// becomeBase checkpoints (if not already checkpointed), pauses, registers
// the dump file as a remotely-readable source region, computes and reports
// its page hashes, and settles the sandbox in Base.
func (w *Worker) becomeBase(ctx context.Context, s *sandboxState) {
	snap := s.snapshot()
	name := w.sandboxName(snap.ID)

	if !snap.Checkpointed {
		if err := w.rt.Unpause(ctx, name); err != nil {
			w.fallbackWarm(ctx, s, err)
			return
		}
		if err := w.rt.Checkpoint(ctx, name); err != nil {
			w.fallbackWarm(ctx, s, err)
			return
		}
	}
	if err := w.rt.Pause(ctx, name); err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	data, err := os.ReadFile(w.dumpFilePath(snap.ID))
	if err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}
	pages := splitPages(data)

	regionID := w.allocRegionID(snap.ID)
	if _, err := w.mem.RegisterSource(ctx, regionID, data); err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	chunksPerPage := w.agentCfg.Parameters.ChunksPerPage
	payload := make([]rpc.PagePayload, len(pages))
	for i := range pages {
		digests := fingerprint.ValueSampledFingerprints(pages[i], chunksPerPage)
		hashes := make([][]byte, len(digests))
		for j, d := range digests {
			hashes[j] = d.Bytes()
		}
		payload[i] = rpc.PagePayload{
			Addr:     fingerprint.PageID(uint64(i * types.PageSize)),
			RegionID: int32(regionID),
			Hashes:   hashes,
		}
	}

	if _, err := w.ctrl.RegisterPages(ctx, &rpc.RegisterPagesRequest{
		SandboxID: snap.ID,
		MachineID: w.machineID,
		Payload:   payload,
	}); err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	s.mu.Lock()
	s.Checkpointed = true
	s.IsBase = true
	s.RegionID = regionID
	s.DumpFiles = []string{w.dumpFilePath(snap.ID)}
	s.mu.Unlock()

	s.setStatus(types.Base)
	w.reportStatus(ctx, snap.ID, types.Base)
}

// becomeDedup runs the initial dedup flow: checkpoint-with-exit, hash every
// page, ask the controller for matching bases, pull the matched pages over
// memxfer, encode a delta against each, write the combined patch file, then
// park the sandbox behind the restore helper and drop its original page
// file.
func (w *Worker) becomeDedup(ctx context.Context, s *sandboxState) {
	snap := s.snapshot()
	name := w.sandboxName(snap.ID)

	if !snap.Checkpointed {
		if err := w.rt.Checkpoint(ctx, name); err != nil {
			w.fallbackWarm(ctx, s, err)
			return
		}
	}
	if err := w.rt.Stop(ctx, name); err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	data, err := os.ReadFile(w.dumpFilePath(snap.ID))
	if err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}
	pages := splitPages(data)
	chunksPerPage := w.agentCfg.Parameters.ChunksPerPage

	payload := make([]rpc.PagePayload, len(pages))
	for i := range pages {
		digests := fingerprint.ValueSampledFingerprints(pages[i], chunksPerPage)
		hashes := make([][]byte, len(digests))
		for j, d := range digests {
			hashes[j] = d.Bytes()
		}
		payload[i] = rpc.PagePayload{Addr: fingerprint.PageID(uint64(i * types.PageSize)), RegionID: -1, Hashes: hashes}
	}

	resp, err := w.ctrl.GetBaseContainers(ctx, &rpc.RegisterPagesRequest{
		SandboxID: snap.ID,
		MachineID: w.machineID,
		Payload:   payload,
	})
	if err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	matched := make(map[uint64]rpc.BasePage, len(resp.BasePages))
	for _, bp := range resp.BasePages {
		matched[bp.Addr] = bp
	}

	destRegion := w.allocRegionID(snap.ID)
	destBuf := w.mem.RegisterDestination(destRegion, types.PageSize*len(matched))

	offsets := make(map[int]int, len(matched))
	pendingByMachine := make(map[int]int)
	idx := 0
	for pageIdx := range pages {
		bp, ok := matched[fingerprint.PageID(uint64(pageIdx*types.PageSize))]
		if !ok {
			continue
		}
		if err := w.connectPeer(bp.MachineID); err != nil {
			w.logger.Warn().Err(err).Msg("dedup base unreachable, storing page verbatim")
			continue
		}
		off := idx * types.PageSize
		req := memxfer.ReadRequest{
			MachineID:    bp.MachineID,
			RemoteAddr:   bp.BaseAddr * types.PageSize,
			RemoteRegion: memxfer.RegionID(bp.RegionID),
			Length:       types.PageSize,
			Dest:         destBuf[off : off+types.PageSize],
		}
		if err := w.mem.PostRead(ctx, req); err != nil {
			w.logger.Warn().Err(err).Msg("dedup base post_read failed, storing page verbatim")
			continue
		}
		offsets[pageIdx] = off
		pendingByMachine[bp.MachineID]++
		idx++
	}
	for mid, n := range pendingByMachine {
		if err := w.mem.Barrier(ctx, mid, n); err != nil {
			w.logger.Warn().Err(err).Int("peer_machine_id", mid).Msg("dedup read barrier reported an error")
		}
	}

	patchThreshold := w.agentCfg.Parameters.PatchThreshold
	dedupPages := make([]dedupPageRef, len(pages))
	var patchBuf []byte
	for pageIdx, page := range pages {
		off, ok := offsets[pageIdx]
		if !ok {
			patchBuf = append(patchBuf, page...)
			continue
		}
		base := destBuf[off : off+types.PageSize]
		patch, accepted, err := delta.Encode(page, base, patchThreshold)
		if err != nil || !accepted {
			patchBuf = append(patchBuf, page...)
			continue
		}
		bp := matched[fingerprint.PageID(uint64(pageIdx*types.PageSize))]
		dedupPages[pageIdx] = dedupPageRef{
			Matched:   true,
			MachineID: bp.MachineID,
			RegionID:  memxfer.RegionID(bp.RegionID),
			Addr:      bp.BaseAddr,
			PatchLen:  uint32(len(patch)),
		}
		patchBuf = append(patchBuf, patch...)
	}

	if err := os.WriteFile(w.patchFilePath(snap.ID), patchBuf, 0o644); err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	clonedPID, rootPID, err := w.pipes.Restore(ctx, snap.ID)
	if err != nil {
		w.fallbackWarm(ctx, s, err)
		return
	}

	os.Remove(w.dumpFilePath(snap.ID))

	s.mu.Lock()
	s.RestoreHelperPIDs = []int{clonedPID, rootPID}
	s.PatchFile = w.patchFilePath(snap.ID)
	s.DedupPages = dedupPages
	s.IsDedup = true
	s.mu.Unlock()

	s.setStatus(types.Dedup)
	w.reportStatus(ctx, snap.ID, types.Dedup)
}

// restoreDedupPages is the decoder half of the dedup pipeline shared by the
// Restore RPC (ends Running) and becomeWarmFromDedup (ends Warm): pull
// every matched base page back over memxfer, then stream the patch file
// rebuilding the original dump image.
func (w *Worker) restoreDedupPages(ctx context.Context, s *sandboxState) error {
	snap := s.snapshot()
	if len(snap.DedupPages) == 0 {
		return nil
	}

	patchBytes, err := os.ReadFile(snap.PatchFile)
	if err != nil {
		return fmt.Errorf("worker: read patch file: %w", err)
	}

	matchedCount := 0
	for _, ref := range snap.DedupPages {
		if ref.Matched {
			matchedCount++
		}
	}

	destRegion := w.allocRegionID(snap.ID)
	destBuf := w.mem.RegisterDestination(destRegion, types.PageSize*matchedCount)

	offsets := make(map[int]int, matchedCount)
	pendingByMachine := make(map[int]int)
	idx := 0
	for pageIdx, ref := range snap.DedupPages {
		if !ref.Matched {
			continue
		}
		if err := w.connectPeer(ref.MachineID); err != nil {
			w.logger.Warn().Err(err).Msg("restore base unreachable")
			continue
		}
		off := idx * types.PageSize
		req := memxfer.ReadRequest{
			MachineID:    ref.MachineID,
			RemoteAddr:   ref.Addr * types.PageSize,
			RemoteRegion: ref.RegionID,
			Length:       types.PageSize,
			Dest:         destBuf[off : off+types.PageSize],
		}
		if err := w.mem.PostRead(ctx, req); err != nil {
			w.logger.Warn().Err(err).Msg("restore post_read failed")
			continue
		}
		offsets[pageIdx] = off
		pendingByMachine[ref.MachineID]++
		idx++
	}
	for mid, n := range pendingByMachine {
		if err := w.mem.Barrier(ctx, mid, n); err != nil {
			w.logger.Warn().Err(err).Int("peer_machine_id", mid).Msg("restore read barrier reported an error")
		}
	}

	reconstructed := make([]byte, 0, types.PageSize*len(snap.DedupPages))
	cursor := 0
	for pageIdx, ref := range snap.DedupPages {
		if !ref.Matched {
			if cursor+types.PageSize > len(patchBytes) {
				return fmt.Errorf("worker: patch file truncated at page %d", pageIdx)
			}
			reconstructed = append(reconstructed, patchBytes[cursor:cursor+types.PageSize]...)
			cursor += types.PageSize
			continue
		}

		if cursor+int(ref.PatchLen) > len(patchBytes) {
			return fmt.Errorf("worker: patch file truncated at page %d", pageIdx)
		}
		patch := patchBytes[cursor : cursor+int(ref.PatchLen)]
		cursor += int(ref.PatchLen)

		off, ok := offsets[pageIdx]
		if !ok {
			// Base unreachable: cannot recover this page's contents.
			reconstructed = append(reconstructed, make([]byte, types.PageSize)...)
			continue
		}
		base := destBuf[off : off+types.PageSize]
		page, err := delta.Decode(patch, base, types.PageSize)
		if err != nil {
			return fmt.Errorf("worker: decode page %d: %w", pageIdx, err)
		}
		reconstructed = append(reconstructed, page...)
	}

	if err := os.WriteFile(w.dumpFilePath(snap.ID), reconstructed, 0o644); err != nil {
		return fmt.Errorf("worker: write reassembled dump: %w", err)
	}
	os.Remove(snap.PatchFile)

	s.mu.Lock()
	s.DedupPages = nil
	s.PatchFile = ""
	s.mu.Unlock()
	return nil
}

// becomeWarmFromDedup reverses a dedup sandbox proactively (no spawn
// request involved): restore its pages, resume it long enough to settle,
// then pause and report Warm.
func (w *Worker) becomeWarmFromDedup(ctx context.Context, s *sandboxState) {
	if err := w.restoreDedupPages(ctx, s); err != nil {
		w.logger.Warn().Err(err).Msg("warm-from-dedup page restore failed, retrying next tick")
		return
	}

	snap := s.snapshot()
	name := w.sandboxName(snap.ID)

	var err error
	if len(snap.RestoreHelperPIDs) > 0 {
		_, _, err = w.pipes.Restore(ctx, snap.ID)
	} else {
		err = w.rt.Start(ctx, name, "")
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("warm-from-dedup resume failed")
		return
	}
	if err := w.rt.Pause(ctx, name); err != nil {
		w.logger.Warn().Err(err).Msg("warm-from-dedup pause failed")
		return
	}

	s.mu.Lock()
	s.RestoreHelperPIDs = nil
	s.IsDedup = false
	s.mu.Unlock()

	s.setStatus(types.Warm)
	w.reportStatus(ctx, snap.ID, types.Warm)
}
