// Package pack groups many small segments into bounded container articles.
// A container carries a binary directory, per-segment headers and bodies,
// and a trailing SHA-256 checksum over everything before it.
package pack

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/usenetsync/usenetsync/pkg/segment"
)

const (
	Magic   = "USPK"
	Version = 1
)

// Container flags.
const (
	FlagAnyCompressed = 1 << 0
	FlagRedundancy    = 1 << 1
)

// Member flags mirror the segment frame flags.
const memberFlagCompressed = 1 << 0

const (
	// DefaultMaxSize bounds one container at 50 MiB.
	DefaultMaxSize = 50 * 1024 * 1024

	prologueSize  = 4 + 2 + 1 + 4 // magic, version, flags, count
	dirEntrySize  = 8 + 8 + 4     // segment_id, file_id, segment_index
	memberHdrSize = 8 + 8 + 4 + 8 + 32 + 1 + 1 + 4
	checksumSize  = 32
)

var (
	ErrBadMagic    = errors.New("pack magic mismatch")
	ErrBadVersion  = errors.New("unsupported pack version")
	ErrChecksum    = errors.New("pack checksum mismatch")
	ErrTruncated   = errors.New("pack truncated")
	ErrMemberLarge = errors.New("pack member alone exceeds max size")
)

// Strategy selects how segments are distributed across containers.
type Strategy string

const (
	// StrategySequential appends in the given order, opening a new
	// container whenever the next member would overflow.
	StrategySequential Strategy = "sequential"

	// StrategyOptimized runs first-fit-decreasing on payload size, ties
	// broken by segment index ascending.
	StrategyOptimized Strategy = "optimized"
)

// Member is one segment inside a container. Size and PlaintextHash describe
// the raw plaintext; Payload is the wire body, compressed when Compressed.
type Member struct {
	SegmentID     int64
	FileID        int64
	SegmentIndex  uint32
	ReplicaIndex  uint8
	Compressed    bool
	Size          int64
	PlaintextHash [32]byte
	Payload       []byte
}

// wireSize is the member's contribution against the container budget.
func (m *Member) wireSize() int {
	return dirEntrySize + memberHdrSize + len(m.Payload)
}

// Pack is one container.
type Pack struct {
	// Redundancy, when nonzero, is recorded in the container descriptor so
	// a decoder knows how many replicas to expect elsewhere.
	Redundancy uint8
	Members    []*Member
}

// MemberFromBlob adapts a segmenter blob into a container member.
func MemberFromBlob(blob *segment.Blob, segmentID, fileID int64) *Member {
	return &Member{
		SegmentID:     segmentID,
		FileID:        fileID,
		SegmentIndex:  blob.SegmentIndex,
		ReplicaIndex:  blob.ReplicaIndex,
		Compressed:    blob.Compressed,
		Size:          blob.Size,
		PlaintextHash: blob.PlaintextHash,
		Payload:       blob.Payload,
	}
}

// Plan distributes members into containers no larger than maxSize. A member
// whose wire size alone exceeds maxSize is rejected; callers post such
// segments unpacked, one-to-one.
func Plan(members []*Member, maxSize int, strategy Strategy, redundancy uint8) ([]*Pack, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	for _, m := range members {
		if m.wireSize()+prologueSize+checksumSize > maxSize {
			return nil, fmt.Errorf("%w: segment %d (%d bytes)", ErrMemberLarge, m.SegmentID, len(m.Payload))
		}
	}

	switch strategy {
	case StrategySequential, "":
		return planSequential(members, maxSize, redundancy), nil
	case StrategyOptimized:
		return planOptimized(members, maxSize, redundancy), nil
	default:
		return nil, fmt.Errorf("unknown packing strategy %q", strategy)
	}
}

func planSequential(members []*Member, maxSize int, redundancy uint8) []*Pack {
	var packs []*Pack
	var current *Pack
	used := 0
	for _, m := range members {
		need := m.wireSize()
		if current == nil || used+need > maxSize {
			current = &Pack{Redundancy: redundancy}
			packs = append(packs, current)
			used = prologueSize + checksumSize
			if redundancy > 0 {
				used++
			}
		}
		current.Members = append(current.Members, m)
		used += need
	}
	return packs
}

func planOptimized(members []*Member, maxSize int, redundancy uint8) []*Pack {
	ordered := make([]*Member, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		if len(ordered[i].Payload) != len(ordered[j].Payload) {
			return len(ordered[i].Payload) > len(ordered[j].Payload)
		}
		return ordered[i].SegmentIndex < ordered[j].SegmentIndex
	})

	var packs []*Pack
	var remaining []int
	base := prologueSize + checksumSize
	if redundancy > 0 {
		base++
	}
	for _, m := range ordered {
		need := m.wireSize()
		placed := false
		for i, free := range remaining {
			if need <= free {
				packs[i].Members = append(packs[i].Members, m)
				remaining[i] -= need
				placed = true
				break
			}
		}
		if !placed {
			packs = append(packs, &Pack{Redundancy: redundancy, Members: []*Member{m}})
			remaining = append(remaining, maxSize-base-need)
		}
	}
	return packs
}

// Encode serializes the container, checksum included.
func (p *Pack) Encode() []byte {
	var flags uint8
	for _, m := range p.Members {
		if m.Compressed {
			flags |= FlagAnyCompressed
		}
	}
	if p.Redundancy > 0 {
		flags |= FlagRedundancy
	}

	size := prologueSize
	if p.Redundancy > 0 {
		size++
	}
	for _, m := range p.Members {
		size += m.wireSize()
	}
	out := make([]byte, 0, size+checksumSize)

	out = append(out, Magic...)
	out = binary.BigEndian.AppendUint16(out, Version)
	out = append(out, flags)
	out = binary.BigEndian.AppendUint32(out, uint32(len(p.Members)))
	if p.Redundancy > 0 {
		out = append(out, p.Redundancy)
	}

	for _, m := range p.Members {
		out = binary.BigEndian.AppendUint64(out, uint64(m.SegmentID))
		out = binary.BigEndian.AppendUint64(out, uint64(m.FileID))
		out = binary.BigEndian.AppendUint32(out, m.SegmentIndex)
	}
	for _, m := range p.Members {
		out = binary.BigEndian.AppendUint64(out, uint64(m.SegmentID))
		out = binary.BigEndian.AppendUint64(out, uint64(m.FileID))
		out = binary.BigEndian.AppendUint32(out, m.SegmentIndex)
		out = binary.BigEndian.AppendUint64(out, uint64(m.Size))
		out = append(out, m.PlaintextHash[:]...)
		var mf uint8
		if m.Compressed {
			mf |= memberFlagCompressed
		}
		out = append(out, mf, m.ReplicaIndex)
		out = binary.BigEndian.AppendUint32(out, uint32(len(m.Payload)))
		out = append(out, m.Payload...)
	}

	sum := sha256.Sum256(out)
	return append(out, sum[:]...)
}

// Decode parses and verifies a container. Rejects on magic, version, or
// checksum mismatch.
func Decode(data []byte) (*Pack, error) {
	if len(data) < prologueSize+checksumSize {
		return nil, ErrTruncated
	}
	body, sum := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	if string(body[0:4]) != Magic {
		return nil, ErrBadMagic
	}
	if got := sha256.Sum256(body); string(got[:]) != string(sum) {
		return nil, ErrChecksum
	}
	if v := binary.BigEndian.Uint16(body[4:6]); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, v)
	}
	flags := body[6]
	count := int(binary.BigEndian.Uint32(body[7:11]))
	off := prologueSize

	p := &Pack{}
	if flags&FlagRedundancy != 0 {
		if len(body) < off+1 {
			return nil, ErrTruncated
		}
		p.Redundancy = body[off]
		off++
	}

	// Directory entries repeat the member headers; skip past them and
	// cross-check while reading the headers below.
	dir := make([]struct {
		segmentID int64
		fileID    int64
		index     uint32
	}, count)
	for i := 0; i < count; i++ {
		if len(body) < off+dirEntrySize {
			return nil, ErrTruncated
		}
		dir[i].segmentID = int64(binary.BigEndian.Uint64(body[off : off+8]))
		dir[i].fileID = int64(binary.BigEndian.Uint64(body[off+8 : off+16]))
		dir[i].index = binary.BigEndian.Uint32(body[off+16 : off+20])
		off += dirEntrySize
	}

	for i := 0; i < count; i++ {
		if len(body) < off+memberHdrSize {
			return nil, ErrTruncated
		}
		m := &Member{
			SegmentID:    int64(binary.BigEndian.Uint64(body[off : off+8])),
			FileID:       int64(binary.BigEndian.Uint64(body[off+8 : off+16])),
			SegmentIndex: binary.BigEndian.Uint32(body[off+16 : off+20]),
			Size:         int64(binary.BigEndian.Uint64(body[off+20 : off+28])),
		}
		copy(m.PlaintextHash[:], body[off+28:off+60])
		m.Compressed = body[off+60]&memberFlagCompressed != 0
		m.ReplicaIndex = body[off+61]
		payloadLen := int(binary.BigEndian.Uint32(body[off+62 : off+66]))
		off += memberHdrSize

		if m.SegmentID != dir[i].segmentID || m.FileID != dir[i].fileID || m.SegmentIndex != dir[i].index {
			return nil, fmt.Errorf("pack directory disagrees with member %d header", i)
		}
		if len(body) < off+payloadLen {
			return nil, ErrTruncated
		}
		m.Payload = append([]byte(nil), body[off:off+payloadLen]...)
		off += payloadLen
		p.Members = append(p.Members, m)
	}
	return p, nil
}
