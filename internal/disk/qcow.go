package disk

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// QCOW1 is laid out big-endian on disk: magic, version, backing-file
// pointer/size, mtime, size, cluster_bits, l2_bits, two reserved pad
// bytes, crypt_method, l1_table_offset -- 48 bytes total, per
// include/kvm/qcow.h's struct qcow1_header and original_source/disk/qcow.c.
const (
	qcow1HeaderSize = 48
	qcow2HeaderSize = 72

	oflagCompressed = uint64(1) << 63
	oflagMask       = oflagCompressed

	// maxCacheNodes bounds the L2 cache, per spec.md §3's MAX_CACHE_NODES.
	maxCacheNodes = 16
)

type qcowHeader struct {
	version      uint32
	size         uint64
	clusterBits  uint8
	l2Bits       uint8
	l1TableOff   uint64
	l1TableSize  uint32
}

// l2Cache is the LRU+lookup cache of on-disk L2 tables, per spec.md §3/§4.14.
// A map gives the same O(1) lookup-by-offset the original's red-black tree
// provides (there are no range queries over L2 offsets, only exact-key
// lookups), so it replaces the tree; DESIGN.md records this substitution.
type l2Cache struct {
	mu    sync.Mutex
	cap   int
	lru   *list.List // list.Element.Value is *l2Entry, front = most recently used
	index map[uint64]*list.Element
}

type l2Entry struct {
	offset uint64
	table  []uint64
}

func newL2Cache(capacity int) *l2Cache {
	return &l2Cache{cap: capacity, lru: list.New(), index: make(map[uint64]*list.Element)}
}

func (c *l2Cache) get(offset uint64) ([]uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.index[offset]
	if !ok {
		return nil, false
	}

	c.lru.MoveToFront(e)

	return e.Value.(*l2Entry).table, true //nolint:forcetypeassert
}

func (c *l2Cache) put(offset uint64, table []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Len() >= c.cap {
		back := c.lru.Back()
		if back != nil {
			evicted := back.Value.(*l2Entry) //nolint:forcetypeassert
			delete(c.index, evicted.offset)
			c.lru.Remove(back)
		}
	}

	e := c.lru.PushFront(&l2Entry{offset: offset, table: table})
	c.index[offset] = e
}

// qcowImage is the QCOW1/QCOW2 sparse-image backend, per spec.md §4.14/§4.15.
// Read works for both versions; the write path (qcow1Write) is QCOW1-only,
// matching spec.md §4.15 ("QCOW2 is mounted read-only").
type qcowImage struct {
	f     *os.File
	hdr   qcowHeader
	l1    []uint64
	cache *l2Cache
	canRW bool // QCOW1 only; QCOW2 is always forced read-only

	mu sync.Mutex
}

func openQCOW(f *os.File, readOnly bool) (Image, error) {
	hdrBuf := make([]byte, qcow2HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		f.Close()

		return nil, fmt.Errorf("disk: qcow header: %w", err)
	}

	version := binary.BigEndian.Uint32(hdrBuf[4:8])

	var (
		hdr qcowHeader
		err error
	)

	switch version {
	case 1:
		hdr, err = parseQCOW1Header(hdrBuf)
	case 2:
		hdr, err = parseQCOW2Header(hdrBuf)
	default:
		err = fmt.Errorf("disk: unsupported qcow version %d", version)
	}

	if err != nil {
		f.Close()

		return nil, err
	}

	l1Count := hdr.l1TableSize
	if l1Count == 0 {
		l1Count = uint32((hdr.size + (uint64(1)<<(hdr.l2Bits+hdr.clusterBits) - 1)) >> (hdr.l2Bits + hdr.clusterBits))
	}

	l1Raw := make([]byte, int(l1Count)*8)
	if l1Count > 0 {
		if _, err := f.ReadAt(l1Raw, int64(hdr.l1TableOff)); err != nil {
			f.Close()

			return nil, fmt.Errorf("disk: qcow L1 table: %w", err)
		}
	}

	l1 := make([]uint64, l1Count)
	for i := range l1 {
		l1[i] = binary.BigEndian.Uint64(l1Raw[i*8 : i*8+8])
	}

	img := &qcowImage{
		f:     f,
		hdr:   hdr,
		l1:    l1,
		cache: newL2Cache(maxCacheNodes),
		canRW: version == 1 && !readOnly,
	}

	return img, nil
}

func parseQCOW1Header(b []byte) (qcowHeader, error) {
	if len(b) < qcow1HeaderSize {
		return qcowHeader{}, fmt.Errorf("disk: short qcow1 header")
	}

	return qcowHeader{
		version:     1,
		size:        binary.BigEndian.Uint64(b[24:32]),
		clusterBits: b[32],
		l2Bits:      b[33],
		l1TableOff:  binary.BigEndian.Uint64(b[40:48]),
	}, nil
}

func parseQCOW2Header(b []byte) (qcowHeader, error) {
	if len(b) < qcow2HeaderSize {
		return qcowHeader{}, fmt.Errorf("disk: short qcow2 header")
	}

	clusterBits := uint8(binary.BigEndian.Uint32(b[20:24]))

	return qcowHeader{
		version:     2,
		size:        binary.BigEndian.Uint64(b[24:32]),
		clusterBits: clusterBits,
		l2Bits:      clusterBits - 3, // L2 entries are 8 bytes wide
		l1TableSize: binary.BigEndian.Uint32(b[36:40]),
		l1TableOff:  binary.BigEndian.Uint64(b[40:48]),
	}, nil
}

func (q *qcowImage) Size() int64 { return int64(q.hdr.size) }

func (q *qcowImage) l1Index(offset uint64) uint64 {
	return offset >> (uint64(q.hdr.l2Bits) + uint64(q.hdr.clusterBits))
}

func (q *qcowImage) l2Index(offset uint64) uint64 {
	return (offset >> q.hdr.clusterBits) & ((1 << q.hdr.l2Bits) - 1)
}

func (q *qcowImage) clusterOffset(offset uint64) uint64 {
	return offset & ((1 << q.hdr.clusterBits) - 1)
}

// readL2Table fetches the L2 table living at the given on-disk offset,
// through the cache, per spec.md §4.14.
func (q *qcowImage) readL2Table(offset uint64) ([]uint64, error) {
	if t, ok := q.cache.get(offset); ok {
		return t, nil
	}

	size := 1 << q.hdr.l2Bits

	raw := make([]byte, size*8)
	if _, err := q.f.ReadAt(raw, int64(offset)); err != nil {
		return nil, fmt.Errorf("disk: qcow L2 table at %#x: %w", offset, err)
	}

	table := make([]uint64, size)
	for i := range table {
		table[i] = binary.BigEndian.Uint64(raw[i*8 : i*8+8])
	}

	q.cache.put(offset, table)

	return table, nil
}

// readCluster reads at most len(dst) bytes starting at byte offset, per
// spec.md §4.14's L1/L2/cluster decomposition, returning all-zero without
// touching the data area for a zero cluster (spec.md §8 property 3).
func (q *qcowImage) readCluster(offset uint64, dst []byte) (int, error) {
	clusterSize := uint64(1) << q.hdr.clusterBits
	clustOff := q.clusterOffset(offset)

	length := clusterSize - clustOff
	if length > uint64(len(dst)) {
		length = uint64(len(dst))
	}

	l1Idx := q.l1Index(offset)
	if l1Idx >= uint64(len(q.l1)) {
		return 0, fmt.Errorf("disk: qcow offset %#x beyond L1 table", offset)
	}

	l2Off := q.l1[l1Idx] &^ oflagMask
	if l2Off == 0 {
		zeroFill(dst[:length])

		return int(length), nil
	}

	l2Table, err := q.readL2Table(l2Off)
	if err != nil {
		return 0, err
	}

	l2Idx := q.l2Index(offset)
	if l2Idx >= uint64(len(l2Table)) {
		return 0, fmt.Errorf("disk: qcow L2 index out of range")
	}

	clustStart := l2Table[l2Idx] &^ oflagMask
	if clustStart == 0 {
		zeroFill(dst[:length])

		return int(length), nil
	}

	if _, err := q.f.ReadAt(dst[:length], int64(clustStart+clustOff)); err != nil {
		return 0, fmt.Errorf("disk: qcow cluster read at %#x: %w", clustStart+clustOff, err)
	}

	return int(length), nil
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func (q *qcowImage) ReadSectors(sector uint64, dst []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	offset := sector * SectorSize
	read := 0

	for read < len(dst) {
		if offset >= q.hdr.size {
			return fmt.Errorf("disk: qcow read past end of image at offset %#x", offset)
		}

		n, err := q.readCluster(offset, dst[read:])
		if err != nil {
			return err
		}

		if n == 0 {
			return fmt.Errorf("disk: qcow read stalled at offset %#x", offset)
		}

		read += n
		offset += uint64(n)
	}

	return nil
}

// WriteSectors implements the QCOW1 write path (spec.md §4.15): allocate a
// missing L2 table or data cluster at end-of-file, write it, fdatasync,
// then update the owning L1/L2 slot both on disk and in core, rolling the
// file back with ftruncate on any failure along the way.
func (q *qcowImage) WriteSectors(sector uint64, src []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.canRW {
		return ErrReadOnly
	}

	offset := sector * SectorSize
	written := 0

	for written < len(src) {
		if offset >= q.hdr.size {
			return fmt.Errorf("disk: qcow write past end of image at offset %#x", offset)
		}

		n, err := q.writeCluster(offset, src[written:])
		if err != nil {
			return err
		}

		written += n
		offset += uint64(n)
	}

	return nil
}

func (q *qcowImage) writeCluster(offset uint64, src []byte) (int, error) {
	clusterSize := uint64(1) << q.hdr.clusterBits
	clustOff := q.clusterOffset(offset)

	length := clusterSize - clustOff
	if length > uint64(len(src)) {
		length = uint64(len(src))
	}

	l1Idx := q.l1Index(offset)
	if l1Idx >= uint64(len(q.l1)) {
		return 0, fmt.Errorf("disk: qcow write offset %#x beyond L1 table", offset)
	}

	l2Off := q.l1[l1Idx] &^ oflagMask

	var l2Table []uint64

	if l2Off != 0 {
		t, err := q.readL2Table(l2Off)
		if err != nil {
			return 0, err
		}

		l2Table = t
	} else {
		preSize, err := q.fileSize()
		if err != nil {
			return 0, err
		}

		l2Table = make([]uint64, 1<<q.hdr.l2Bits)

		newOff, err := q.writeL2TableAtEOF(l2Table)
		if err != nil {
			return 0, err
		}

		if err := q.updateL1Slot(l1Idx, newOff, preSize); err != nil {
			return 0, err
		}

		l2Off = newOff
		q.cache.put(l2Off, l2Table)
	}

	l2Idx := q.l2Index(offset)
	if l2Idx >= uint64(len(l2Table)) {
		return 0, fmt.Errorf("disk: qcow write L2 index out of range")
	}

	clustStart := l2Table[l2Idx] &^ oflagMask

	if clustStart == 0 {
		preSize, err := q.fileSize()
		if err != nil {
			return 0, err
		}

		clustStart = alignUp(preSize, clusterSize)

		if _, err := q.f.WriteAt(src[:length], int64(clustStart+clustOff)); err != nil {
			return 0, fmt.Errorf("disk: qcow cluster write: %w", err)
		}

		if err := q.updateL2Slot(l2Off, l2Idx, clustStart, l2Table, preSize); err != nil {
			return 0, err
		}

		return int(length), q.f.Sync()
	}

	if _, err := q.f.WriteAt(src[:length], int64(clustStart+clustOff)); err != nil {
		return 0, fmt.Errorf("disk: qcow cluster write: %w", err)
	}

	return int(length), q.f.Sync()
}

func (q *qcowImage) fileSize() (uint64, error) {
	fi, err := q.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("disk: qcow stat: %w", err)
	}

	return uint64(fi.Size()), nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

// writeL2TableAtEOF appends a freshly zeroed L2 table at the end of the
// file, cluster-aligned, per spec.md §4.15.
func (q *qcowImage) writeL2TableAtEOF(table []uint64) (uint64, error) {
	fsz, err := q.fileSize()
	if err != nil {
		return 0, err
	}

	off := alignUp(fsz, uint64(1)<<q.hdr.clusterBits)

	raw := make([]byte, len(table)*8)
	for i, v := range table {
		binary.BigEndian.PutUint64(raw[i*8:i*8+8], v)
	}

	if _, err := q.f.WriteAt(raw, int64(off)); err != nil {
		return 0, fmt.Errorf("disk: qcow write L2 table: %w", err)
	}

	if err := q.f.Sync(); err != nil {
		return 0, fmt.Errorf("disk: qcow fdatasync after L2 table write: %w", err)
	}

	return off, nil
}

// updateL1Slot writes l2Off into L1[idx] on disk and in core, rolling the
// file back to preSize on failure, per spec.md §4.15's "best-effort rollback".
func (q *qcowImage) updateL1Slot(idx, l2Off, preSize uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, l2Off)

	if _, err := q.f.WriteAt(buf, int64(q.hdr.l1TableOff+idx*8)); err != nil {
		_ = q.f.Truncate(int64(preSize)) //nolint:errcheck

		return fmt.Errorf("disk: qcow L1 slot update: %w", err)
	}

	if err := q.f.Sync(); err != nil {
		_ = q.f.Truncate(int64(preSize)) //nolint:errcheck

		return fmt.Errorf("disk: qcow fdatasync after L1 update: %w", err)
	}

	q.l1[idx] = l2Off

	return nil
}

// updateL2Slot writes clustStart into the L2 table's on-disk slot and the
// in-core cached copy, rolling back on failure.
func (q *qcowImage) updateL2Slot(l2Off, idx, clustStart uint64, table []uint64, preSize uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, clustStart)

	if _, err := q.f.WriteAt(buf, int64(l2Off+idx*8)); err != nil {
		_ = q.f.Truncate(int64(preSize)) //nolint:errcheck

		return fmt.Errorf("disk: qcow L2 slot update: %w", err)
	}

	if err := q.f.Sync(); err != nil {
		_ = q.f.Truncate(int64(preSize)) //nolint:errcheck

		return fmt.Errorf("disk: qcow fdatasync after L2 update: %w", err)
	}

	table[idx] = clustStart

	return nil
}

func (q *qcowImage) Flush() error {
	if !q.canRW {
		return nil
	}

	return q.f.Sync()
}

func (q *qcowImage) Close() error { return q.f.Close() }
