package raft

// peer holds all state the leader tracks about one other cluster
// member, per spec.md 4.5.
type peer struct {
	// id is the peer's server ID.
	id string

	// address is the peer's network address.
	address string

	// nextIndex is the next log index that should be sent to this
	// peer.
	nextIndex uint64

	// matchIndex is the highest log index known to be replicated on
	// this peer.
	matchIndex uint64

	// snapshotData holds the encoded snapshot bytes currently being
	// streamed to this peer via InstallSnapshot, or nil if no
	// transfer is in progress.
	snapshotData []byte

	// snapshotMeta describes the snapshot snapshotData was loaded
	// from.
	snapshotMeta SnapshotMetadata

	// snapshotOffset is how many bytes of snapshotData the peer has
	// acknowledged as received.
	snapshotOffset int64
}

func newPeer(id, address string) *peer {
	return &peer{id: id, address: address}
}

// needsSnapshot reports whether the leader must fall back to
// InstallSnapshot rather than AppendEntries to bring this peer up to
// date, because the entries it still needs have already been
// compacted out of the log.
func (p *peer) needsSnapshot(lastIncludedIndex uint64) bool {
	return p.nextIndex <= lastIncludedIndex
}

// beginSnapshotTransfer records a fresh snapshot to stream to this
// peer, discarding any previous in-flight transfer.
func (p *peer) beginSnapshotTransfer(meta SnapshotMetadata, data []byte) {
	p.snapshotMeta = meta
	p.snapshotData = data
	p.snapshotOffset = 0
}

// nextSnapshotChunk returns the next chunkSize bytes of the in-flight
// snapshot transfer, along with whether this is the final chunk.
func (p *peer) nextSnapshotChunk(chunkSize int) (chunk []byte, done bool) {
	start := int(p.snapshotOffset)
	if start >= len(p.snapshotData) {
		return nil, true
	}
	end := start + chunkSize
	if end >= len(p.snapshotData) {
		end = len(p.snapshotData)
	}
	return p.snapshotData[start:end], end == len(p.snapshotData)
}

// recordSnapshotProgress advances the transfer offset to match what
// the peer has acknowledged, or rewinds it if the peer reports a
// different offset than expected (a dropped or reordered chunk).
func (p *peer) recordSnapshotProgress(bytesWritten int64) {
	p.snapshotOffset = bytesWritten
}

// completeSnapshotTransfer finalizes a peer's state once an
// InstallSnapshot transfer finishes, discarding the transfer buffer
// and fast-forwarding nextIndex/matchIndex past the installed
// snapshot.
func (p *peer) completeSnapshotTransfer() {
	p.nextIndex = p.snapshotMeta.LastIncludedIndex + 1
	p.matchIndex = p.snapshotMeta.LastIncludedIndex
	p.snapshotData = nil
	p.snapshotOffset = 0
}

// recordAppendEntriesRejection applies the conflict hint from a
// rejected AppendEntries response to back nextIndex off by more than
// one entry per round trip.
func (p *peer) recordAppendEntriesRejection(result AppendResult) {
	if result.ConflictIndex == 0 {
		if p.nextIndex > 1 {
			p.nextIndex--
		}
		return
	}
	p.nextIndex = result.ConflictIndex
}

// recordAppendEntriesSuccess advances matchIndex/nextIndex once a
// follower confirms it has stored entries through prevLogIndex +
// len(entries).
func (p *peer) recordAppendEntriesSuccess(prevLogIndex uint64, numEntries int) {
	newMatch := prevLogIndex + uint64(numEntries)
	if newMatch > p.matchIndex {
		p.matchIndex = newMatch
	}
	if p.nextIndex < newMatch+1 {
		p.nextIndex = newMatch + 1
	}
}
