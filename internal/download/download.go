package download

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"github.com/framp/furia/internal/bitfield"
	"github.com/framp/furia/internal/metadata"
)

// BlockSize is the fixed transfer unit requested on the wire. The last
// block of a piece may be shorter.
const BlockSize = 16 * 1024

type PieceStatus uint8

const (
	PieceMissing PieceStatus = iota
	PieceInProgress
	PieceVerifying
	PieceComplete
)

func (s PieceStatus) String() string {
	switch s {
	case PieceMissing:
		return "Missing"
	case PieceInProgress:
		return "InProgress"
	case PieceVerifying:
		return "Verifying"
	case PieceComplete:
		return "Complete"
	}

	return ""
}

var (
	ErrUnknownPiece     = errors.New("piece index out of range")
	ErrOffsetOutOfRange = errors.New("block offset out of range")
	ErrPieceIncomplete  = errors.New("piece is not complete")
)

// Block identifies one requestable chunk of the torrent. It is a
// comparable value so sessions can keep it in their in-flight sets.
type Block struct {
	Index  int
	Offset int
	Length int
}

// ReceiveResult reports what a block write did to its piece.
type ReceiveResult uint8

const (
	// ReceiveBuffered means the block was stored and the piece still
	// misses blocks.
	ReceiveBuffered ReceiveResult = iota
	// ReceiveDuplicate means the block (or whole piece) was already
	// owned; the write was a no-op.
	ReceiveDuplicate
	// ReceiveComplete means the block finished its piece and the piece
	// passed hash verification.
	ReceiveComplete
	// ReceiveHashFail means the block finished its piece but the
	// assembled bytes did not match the expected hash; the piece was
	// reset to missing for re-download.
	ReceiveHashFail
)

type pieceState struct {
	status PieceStatus
	hash   [20]byte
	length int
	blocks bitfield.Bitfield // one bit per block
	done   int               // blocks received so far
	buf    []byte
}

func (p *pieceState) numBlocks() int {
	return (p.length + BlockSize - 1) / BlockSize
}

func (p *pieceState) blockLength(block int) int {
	if begin := block * BlockSize; begin+BlockSize > p.length {
		return p.length - begin
	}
	return BlockSize
}

func (p *pieceState) reset() {
	p.status = PieceMissing
	p.done = 0
	clear(p.blocks)
	clear(p.buf)
}

// Stats is a point-in-time snapshot of transfer progress.
type Stats struct {
	Downloaded int64
	Uploaded   int64
	Left       int64
	Size       int64
}

// Download is the shared ledger of which pieces and blocks are owned
// locally. All sessions funnel received data through ReceiveBlock and
// pick work through NextBlock; the internal lock is only ever held for
// the duration of a block write, verification or selection query, never
// across network I/O.
type Download struct {
	mu          sync.Mutex
	pieces      []pieceState
	bitfield    bitfield.Bitfield
	pieceLength int
	total       int64
	downloaded  int64
	uploaded    int64
	complete    int
}

// New allocates one piece slot per hash, all missing, with buffers sized
// to the actual piece length (the last piece is sized from the
// remainder).
func New(m *metadata.Metadata) (*Download, error) {
	if err := m.Info.Validate(); err != nil {
		return nil, err
	}

	pieceLength := m.Info.PieceLength
	total := m.Info.TotalLength()
	pieces := make([]pieceState, m.Info.NumPieces())

	for i, hash := range m.Info.Pieces {
		begin := int64(i) * int64(pieceLength)
		end := begin + int64(pieceLength)
		if end > total {
			end = total
		}

		length := int(end - begin)
		pieces[i] = pieceState{
			hash:   hash,
			length: length,
			blocks: bitfield.New((length + BlockSize - 1) / BlockSize),
			buf:    make([]byte, length),
		}
	}

	return &Download{
		pieces:      pieces,
		bitfield:    bitfield.New(len(pieces)),
		pieceLength: pieceLength,
		total:       total,
	}, nil
}

func (d *Download) NumPieces() int {
	return len(d.pieces)
}

func (d *Download) TotalLength() int64 {
	return d.total
}

// NextBlock picks the next block to request from a peer advertising
// remote, skipping any (piece, offset) in exclude. Among candidate
// pieces it prefers the one with the fewest blocks still missing, so
// partially owned pieces get finished before new ones are started;
// within a piece it hands out the lowest incomplete offset first.
func (d *Download) NextBlock(remote bitfield.Bitfield, exclude mapset.Set) (Block, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var best Block
	bestRemaining := -1

	for i := range d.pieces {
		ps := &d.pieces[i]
		if ps.status == PieceComplete || ps.status == PieceVerifying {
			continue
		}
		if !remote.HasPiece(i) {
			continue
		}

		remaining := ps.numBlocks() - ps.done
		if bestRemaining != -1 && remaining >= bestRemaining {
			continue
		}

		blk, ok := d.firstWantedBlock(ps, i, exclude)
		if !ok {
			continue
		}

		best = blk
		bestRemaining = remaining
	}

	return best, bestRemaining != -1
}

func (d *Download) firstWantedBlock(ps *pieceState, index int, exclude mapset.Set) (Block, bool) {
	for b := 0; b < ps.numBlocks(); b++ {
		if ps.blocks.HasPiece(b) {
			continue
		}

		blk := Block{Index: index, Offset: b * BlockSize, Length: ps.blockLength(b)}
		if exclude != nil && exclude.Contains(blk) {
			continue
		}

		return blk, true
	}

	return Block{}, false
}

// ReceiveBlock stores data at offset within the piece and, when the
// piece's last block arrives, verifies the assembled buffer against the
// expected hash. A hash mismatch resets the piece for re-download; it is
// reported in the result, not as an error.
func (d *Download) ReceiveBlock(index, offset int, data []byte) (ReceiveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.pieces) {
		return 0, fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}

	ps := &d.pieces[index]
	if offset < 0 || offset%BlockSize != 0 || offset+len(data) > ps.length {
		return 0, fmt.Errorf("%w: piece %d offset %d length %d", ErrOffsetOutOfRange, index, offset, len(data))
	}

	block := offset / BlockSize
	if len(data) != ps.blockLength(block) {
		return 0, fmt.Errorf("%w: piece %d block %d carries %d bytes", ErrOffsetOutOfRange, index, block, len(data))
	}

	// Writes for already-owned data are no-ops, which is what makes a
	// block handed to two sessions at once harmless.
	if ps.status == PieceComplete || ps.blocks.HasPiece(block) {
		return ReceiveDuplicate, nil
	}

	copy(ps.buf[offset:], data)
	ps.blocks.SetPiece(block)
	ps.done++
	if ps.status == PieceMissing {
		ps.status = PieceInProgress
	}

	if ps.done < ps.numBlocks() {
		return ReceiveBuffered, nil
	}

	ps.status = PieceVerifying
	if !verify(ps.hash, ps.buf) {
		slog.Warn("piece failed verification", "index", index)
		ps.reset()
		return ReceiveHashFail, nil
	}

	ps.status = PieceComplete
	d.bitfield.SetPiece(index)
	d.complete++
	d.downloaded += int64(ps.length)

	return ReceiveComplete, nil
}

// ReadBlock serves the upload path. Only verified pieces are readable.
func (d *Download) ReadBlock(index, offset, length int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.pieces) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPiece, index)
	}

	ps := &d.pieces[index]
	if ps.status != PieceComplete {
		return nil, fmt.Errorf("%w: %d", ErrPieceIncomplete, index)
	}

	if offset < 0 || length <= 0 || offset+length > ps.length {
		return nil, fmt.Errorf("%w: piece %d offset %d length %d", ErrOffsetOutOfRange, index, offset, length)
	}

	data := make([]byte, length)
	copy(data, ps.buf[offset:offset+length])
	return data, nil
}

func (d *Download) IsComplete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.complete == len(d.pieces)
}

// Bitfield returns a snapshot of local piece ownership, suitable for
// advertising to a newly connected peer.
func (d *Download) Bitfield() bitfield.Bitfield {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bitfield.Copy()
}

func (d *Download) PieceStatus(index int) PieceStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	if index < 0 || index >= len(d.pieces) {
		return PieceMissing
	}
	return d.pieces[index].status
}

func (d *Download) BytesCompleted() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloaded
}

func (d *Download) AddUploaded(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.uploaded += n
}

func (d *Download) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return Stats{
		Downloaded: d.downloaded,
		Uploaded:   d.uploaded,
		Left:       d.total - d.downloaded,
		Size:       d.total,
	}
}

// Restore scans previously persisted data and marks every piece whose
// bytes already hash correctly as complete, so a resumed download skips
// them. It returns the number of pieces restored.
func (d *Download) Restore(r io.ReaderAt) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var restored int
	for i := range d.pieces {
		ps := &d.pieces[i]
		if ps.status == PieceComplete {
			continue
		}

		begin := int64(i) * int64(d.pieceLength)
		if _, err := r.ReadAt(ps.buf, begin); err != nil && !errors.Is(err, io.EOF) {
			slog.Error("disk check error", "index", i, "error", err)
			continue
		}

		if !verify(ps.hash, ps.buf) {
			clear(ps.buf)
			continue
		}

		ps.status = PieceComplete
		for b := 0; b < ps.numBlocks(); b++ {
			ps.blocks.SetPiece(b)
		}
		ps.done = ps.numBlocks()

		d.bitfield.SetPiece(i)
		d.complete++
		d.downloaded += int64(ps.length)
		restored++
	}

	return restored
}

// Flush writes every complete piece's buffer to w at its global offset.
func (d *Download) Flush(w io.WriterAt) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.pieces {
		ps := &d.pieces[i]
		if ps.status != PieceComplete {
			continue
		}

		begin := int64(i) * int64(d.pieceLength)
		if _, err := w.WriteAt(ps.buf, begin); err != nil {
			return fmt.Errorf("failed to flush piece %d: %w", i, err)
		}
	}

	return nil
}

func verify(expectedHash [20]byte, data []byte) bool {
	hash := sha1.Sum(data)
	return bytes.Equal(hash[:], expectedHash[:])
}
