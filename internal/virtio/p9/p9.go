// Package p9 implements the virtio-9p device engine: a 9P2000.L message
// transport over a single virtqueue, rebasing every path against a
// configured export root, per spec.md §2.12/§4.13, grounded in kvmtool's
// virtio/9p.c request dispatch table.
package p9

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/gokvm/hypervisor/internal/hlog"
	"github.com/gokvm/hypervisor/internal/virtqueue"
)

const (
	deviceID    = 9
	subsystemID = 9
)

// 9P2000.L message types, per the standard wire protocol (matching the
// symbolic names spec.md §4.13 lists: TVERSION etc.).
const (
	tVersion  = 100
	rVersion  = 101
	tAttach   = 104
	rAttach   = 105
	rlerror   = 7
	tFlush    = 108
	rFlush    = 109
	tWalk     = 110
	rWalk     = 111
	tRead     = 116
	rRead     = 117
	tWrite    = 118
	rWrite    = 119
	tClunk    = 120
	rClunk    = 121
	tStatfs   = 8
	rStatfs   = 9
	tLopen    = 12
	rLopen    = 13
	tLcreate  = 14
	rLcreate  = 15
	tSymlink  = 16
	rSymlink  = 17
	tMknod    = 18
	rMknod    = 19
	tRename   = 20
	rRename   = 21
	tReadlink = 22
	rReadlink = 23
	tGetattr  = 24
	rGetattr  = 25
	tSetattr  = 26
	rSetattr  = 27
	tReaddir  = 40
	rReaddir  = 41
	tFsync    = 50
	rFsync    = 51
	tLock     = 52
	rLock     = 53
	tGetlock  = 54
	rGetlock  = 55
	tLink     = 70
	rLink     = 71
	tMkdir    = 72
	rMkdir    = 73
	tRenameat = 74
	rRenameat = 75
	tUnlinkat = 76
	rUnlinkat = 77

	noTag = 0xFFFF
	noFid = 0xFFFFFFFF

	protoVersion = "9P2000.L"
)

var errUnsupported = errors.New("p9: unsupported message type")

// fid tracks one client-held file handle, rooted at an export-relative path.
type fid struct {
	path string // relative to root, cleaned, never escapes via ".."
	file *os.File
	dir  []os.DirEntry
}

// Engine is the virtio-9p device: one queue, an export root, and the fid
// table. Only one 9p export (tag) is wired per engine instance; multiple
// shares become multiple Engine instances on separate device slots.
type Engine struct {
	mu    sync.Mutex
	root  string
	tag   string
	queue *virtqueue.Queue
	fids  map[uint32]*fid

	cfg []byte
}

// New builds a p9 engine exporting root under the given mount tag.
func New(tag, root string) *Engine {
	e := &Engine{tag: tag, root: root, fids: make(map[uint32]*fid)}

	cfg := make([]byte, 2+len(tag))
	binary.LittleEndian.PutUint16(cfg[0:2], uint16(len(tag)))
	copy(cfg[2:], tag)
	e.cfg = cfg

	return e
}

func (e *Engine) DeviceID() uint16     { return deviceID }
func (e *Engine) SubsystemID() uint16  { return subsystemID }
func (e *Engine) NumQueues() int       { return 1 }
func (e *Engine) HostFeatures() uint32 { return 0 }
func (e *Engine) ConfigSpace() []byte  { return e.cfg }

func (e *Engine) SetQueue(idx int, q *virtqueue.Queue) {
	if idx == 0 {
		e.mu.Lock()
		e.queue = q
		e.mu.Unlock()
	}
}

// Kick drains every available request, dispatching each 9P message and
// publishing the (R-message or Rlerror) reply, per spec.md §4.13.
func (e *Engine) Kick(idx int) error {
	if idx != 0 {
		return nil
	}

	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()

	if q == nil {
		return nil
	}

	for {
		chain, ok, err := q.Pop()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := e.service(q, chain); err != nil {
			hlog.Warnf("virtio-9p: %v", err)
		}
	}
}

// service reads the request message out of the out-descriptors, dispatches
// it, and writes the reply into the in-descriptors.
func (e *Engine) service(q *virtqueue.Queue, chain virtqueue.Chain) error {
	var reqBuf, replyBuf []byte

	for _, d := range chain.Descs {
		buf, err := q.MemSlice(d.Addr, uint64(d.Len))
		if err != nil {
			return err
		}

		if d.Flags&virtqueue.DescFWrite != 0 {
			replyBuf = buf
		} else {
			reqBuf = append(reqBuf, buf...)
		}
	}

	if len(reqBuf) < 7 {
		return q.Push(chain.HeadIdx, 0)
	}

	typ := reqBuf[4]
	tag := binary.LittleEndian.Uint16(reqBuf[5:7])
	body := reqBuf[7:]

	rtype, rbody, err := e.dispatch(typ, body)
	if err != nil {
		rtype = rlerror
		rbody = encodeLError(err)
	}

	n := writeMessage(replyBuf, rtype, tag, rbody)

	return q.Push(chain.HeadIdx, uint32(n))
}

func writeMessage(dst []byte, typ byte, tag uint16, body []byte) int {
	size := 7 + len(body)
	if size > len(dst) {
		size = len(dst)
		body = body[:max(0, size-7)]
	}

	binary.LittleEndian.PutUint32(dst[0:4], uint32(size))
	dst[4] = typ
	binary.LittleEndian.PutUint16(dst[5:7], tag)
	copy(dst[7:], body)

	return size
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}

func encodeLError(err error) []byte {
	errno := uint32(1) // EPERM default
	if e, ok := err.(syscall.Errno); ok {
		errno = uint32(e)
	} else if perr, ok := err.(*os.PathError); ok {
		if e, ok := perr.Err.(syscall.Errno); ok {
			errno = uint32(e)
		}
	}

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, errno)

	return b
}

func (e *Engine) dispatch(typ byte, body []byte) (byte, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch typ {
	case tVersion:
		return e.version(body)
	case tAttach:
		return e.attach(body)
	case tWalk:
		return e.walk(body)
	case tLopen:
		return e.lopen(body)
	case tLcreate:
		return e.lcreate(body)
	case tRead:
		return e.read(body)
	case tReaddir:
		return e.readdir(body)
	case tWrite:
		return e.write(body)
	case tClunk:
		return e.clunk(body)
	case tStatfs:
		return e.statfs(body)
	case tGetattr:
		return e.getattr(body)
	case tSetattr:
		return e.setattr(body)
	case tMkdir:
		return e.mkdir(body)
	case tMknod:
		return e.mknod(body)
	case tSymlink:
		return e.symlink(body)
	case tReadlink:
		return e.readlink(body)
	case tLink:
		return e.link(body)
	case tRename:
		return e.rename(body)
	case tRenameat:
		return e.renameat(body)
	case tUnlinkat:
		return e.unlinkat(body)
	case tLock:
		return rLock, []byte{0}, nil // status = SUCCESS, always
	case tGetlock:
		return e.getlock(body)
	case tFsync:
		return rFsync, nil, nil
	case tFlush:
		return rFlush, nil, nil
	default:
		return 0, nil, errUnsupported
	}
}

// --- wire decode helpers -----------------------------------------------

type reader struct {
	b   []byte
	pos int
}

func (r *reader) u8() uint8 {
	v := r.b[r.pos]
	r.pos++

	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4

	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8

	return v
}

func (r *reader) str() string {
	n := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)

	return s
}

type writer struct{ b []byte }

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *writer) str(s string) {
	w.b = binary.LittleEndian.AppendUint16(w.b, uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) qid(path string) {
	fi, err := os.Lstat(path)

	var typ byte

	var size uint64

	if err == nil {
		if fi.IsDir() {
			typ = 0x80
		}

		size = uint64(fi.Size())
	}

	w.u8(typ)
	w.u32(0) // version
	w.u64(size)
}

// --- path safety --------------------------------------------------------

// rebase joins rel onto the export root and refuses escape, per spec.md
// §4.13/§9: "every path operation rebases a relative path against a
// configured root directory and refuses to escape via symlink."
func (e *Engine) rebase(rel string) (string, error) {
	clean := filepath.Clean("/" + rel)
	full := filepath.Join(e.root, clean)

	if !strings.HasPrefix(full, filepath.Clean(e.root)+string(filepath.Separator)) && full != filepath.Clean(e.root) {
		return "", syscall.EACCES
	}

	return full, nil
}

// --- message handlers ----------------------------------------------------

func (e *Engine) version(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	msize := r.u32()
	_ = r.str() // requested version string, ignored: we always speak 9P2000.L

	w := &writer{}
	w.u32(msize)
	w.str(protoVersion)

	return rVersion, w.b, nil
}

func (e *Engine) attach(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	_ = r.u32() // afid

	e.fids[fidNum] = &fid{path: "/"}

	w := &writer{}
	w.qid(e.root)

	return rAttach, w.b, nil
}

func (e *Engine) walk(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	newFidNum := r.u32()
	nwname := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	cur := f.path
	fulls := make([]string, 0, nwname)

	for i := 0; i < int(nwname); i++ {
		name := r.str()
		cur = filepath.Join(cur, name)

		full, err := e.rebase(cur)
		if err != nil {
			return 0, nil, err
		}

		fulls = append(fulls, full)
	}

	e.fids[newFidNum] = &fid{path: cur}

	w := &writer{}
	w.u8(uint8(len(fulls)))

	for _, full := range fulls {
		w.qid(full)
	}

	return rWalk, w.b, nil
}

func (e *Engine) lopen(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	flags := r.u32()

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	// O_NOFOLLOW guards open against a symlink-escape; mkdir/mknod/symlink
	// below do not carry the same guard (spec.md §9 flags this ambiguity
	// explicitly; left as-is rather than silently hardened or relaxed).
	fh, err := os.OpenFile(full, int(flags)|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return 0, nil, err
	}

	f.file = fh

	w := &writer{}
	w.qid(full)
	w.u32(0) // iounit: no preferred size

	return rLopen, w.b, nil
}

func (e *Engine) lcreate(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	name := r.str()
	flags := r.u32()
	mode := r.u32()
	_ = r.u32() // gid

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	childRel := filepath.Join(f.path, name)

	full, err := e.rebase(childRel)
	if err != nil {
		return 0, nil, err
	}

	fh, err := os.OpenFile(full, int(flags)|os.O_CREATE|syscall.O_NOFOLLOW, os.FileMode(mode))
	if err != nil {
		return 0, nil, err
	}

	f.path = childRel
	f.file = fh

	w := &writer{}
	w.qid(full)
	w.u32(0)

	return rLcreate, w.b, nil
}

func (e *Engine) read(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	offset := r.u64()
	count := r.u32()

	f, ok := e.fids[fidNum]
	if !ok || f.file == nil {
		return 0, nil, syscall.EBADF
	}

	buf := make([]byte, count)

	n, err := f.file.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, nil, err
	}

	w := &writer{}
	w.u32(uint32(n))
	w.b = append(w.b, buf[:n]...)

	return rRead, w.b, nil
}

func (e *Engine) readdir(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	offset := r.u64()
	_ = r.u32() // count; we emit everything in one shot, at offset 0 only

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	if offset == 0 {
		entries, err := os.ReadDir(full)
		if err != nil {
			return 0, nil, err
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		f.dir = entries
	}

	w := &writer{}
	w.u32(0) // count patched below

	for _, de := range f.dir {
		w.qid(filepath.Join(full, de.Name()))
		w.u64(0) // offset, unused by this single-shot implementation
		typ := uint8(8) // DT_REG
		if de.IsDir() {
			typ = 4 // DT_DIR
		}
		w.u8(typ)
		w.str(de.Name())
	}

	binary.LittleEndian.PutUint32(w.b[0:4], uint32(len(w.b)-4))

	return rReaddir, w.b, nil
}

func (e *Engine) write(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	offset := r.u64()
	count := r.u32()
	data := r.b[r.pos : r.pos+int(count)]

	f, ok := e.fids[fidNum]
	if !ok || f.file == nil {
		return 0, nil, syscall.EBADF
	}

	n, err := f.file.WriteAt(data, int64(offset))
	if err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.u32(uint32(n))

	return rWrite, w.b, nil
}

func (e *Engine) clunk(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()

	if f, ok := e.fids[fidNum]; ok {
		if f.file != nil {
			f.file.Close() //nolint:errcheck
		}

		delete(e.fids, fidNum)
	}

	return rClunk, nil, nil
}

func (e *Engine) statfs(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	var st syscall.Statfs_t
	if err := syscall.Statfs(full, &st); err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.u32(uint32(st.Type))
	w.u32(uint32(st.Bsize))
	w.u64(st.Blocks)
	w.u64(st.Bfree)
	w.u64(st.Bavail)
	w.u64(st.Files)
	w.u64(st.Ffree)
	w.u64(0) // fsid
	w.u32(uint32(st.Namelen))

	return rStatfs, w.b, nil
}

func (e *Engine) getattr(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	_ = r.u64() // request mask, ignored: we always return everything

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	fi, err := os.Lstat(full)
	if err != nil {
		return 0, nil, err
	}

	st := fi.Sys().(*syscall.Stat_t)

	w := &writer{}
	w.u64(^uint64(0)) // valid: all fields
	w.qid(full)
	w.u32(uint32(fi.Mode().Perm()) | modeBits(fi))
	w.u32(st.Uid)
	w.u32(st.Gid)
	w.u64(uint64(st.Nlink))
	w.u64(uint64(st.Rdev))
	w.u64(uint64(fi.Size()))
	w.u64(uint64(st.Blksize))
	w.u64(uint64(st.Blocks))

	return rGetattr, w.b, nil
}

func modeBits(fi os.FileInfo) uint32 {
	switch {
	case fi.IsDir():
		return syscall.S_IFDIR
	case fi.Mode()&os.ModeSymlink != 0:
		return syscall.S_IFLNK
	default:
		return syscall.S_IFREG
	}
}

func (e *Engine) setattr(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	valid := r.u32()
	mode := r.u32()
	_ = r.u32() // uid
	_ = r.u32() // gid
	size := r.u64()

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	const (
		setMode = 1 << 0
		setSize = 1 << 3
	)

	if valid&setMode != 0 {
		if err := os.Chmod(full, os.FileMode(mode)); err != nil {
			return 0, nil, err
		}
	}

	if valid&setSize != 0 {
		if err := os.Truncate(full, int64(size)); err != nil {
			return 0, nil, err
		}
	}

	return rSetattr, nil, nil
}

func (e *Engine) mkdir(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	name := r.str()
	mode := r.u32()
	_ = r.u32() // gid

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	childRel := filepath.Join(f.path, name)

	full, err := e.rebase(childRel)
	if err != nil {
		return 0, nil, err
	}

	// TODO: mkdir does not carry O_NOFOLLOW-equivalent protection against a
	// symlinked path component (spec.md §9 marks this ambiguous, not to be
	// silently hardened here).
	if err := os.Mkdir(full, os.FileMode(mode)); err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.qid(full)

	return rMkdir, w.b, nil
}

func (e *Engine) mknod(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	name := r.str()
	mode := r.u32()
	major := r.u32()
	minor := r.u32()
	_ = r.u32() // gid

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(filepath.Join(f.path, name))
	if err != nil {
		return 0, nil, err
	}

	dev := int(unix_Mkdev(major, minor))
	if err := syscall.Mknod(full, mode, dev); err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.qid(full)

	return rMknod, w.b, nil
}

func unix_Mkdev(major, minor uint32) uint64 {
	return uint64(minor&0xff) | uint64(major&0xfff)<<8 | uint64(minor&0xfff00)<<12 | uint64(major&0xfffff000)<<32
}

func (e *Engine) symlink(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	name := r.str()
	target := r.str()
	_ = r.u32() // gid

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(filepath.Join(f.path, name))
	if err != nil {
		return 0, nil, err
	}

	// TODO: same O_NOFOLLOW ambiguity as mkdir (spec.md §9).
	if err := os.Symlink(target, full); err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.qid(full)

	return rSymlink, w.b, nil
}

func (e *Engine) readlink(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	target, err := os.Readlink(full)
	if err != nil {
		return 0, nil, err
	}

	w := &writer{}
	w.str(target)

	return rReadlink, w.b, nil
}

func (e *Engine) link(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	dfidNum := r.u32()
	fidNum := r.u32()
	name := r.str()

	df, ok := e.fids[dfidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	sf, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	src, err := e.rebase(sf.path)
	if err != nil {
		return 0, nil, err
	}

	dst, err := e.rebase(filepath.Join(df.path, name))
	if err != nil {
		return 0, nil, err
	}

	if err := os.Link(src, dst); err != nil {
		return 0, nil, err
	}

	return rLink, nil, nil
}

func (e *Engine) rename(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	fidNum := r.u32()
	dfidNum := r.u32()
	name := r.str()

	f, ok := e.fids[fidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	df, ok := e.fids[dfidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	src, err := e.rebase(f.path)
	if err != nil {
		return 0, nil, err
	}

	dstRel := filepath.Join(df.path, name)

	dst, err := e.rebase(dstRel)
	if err != nil {
		return 0, nil, err
	}

	if err := os.Rename(src, dst); err != nil {
		return 0, nil, err
	}

	f.path = dstRel

	return rRename, nil, nil
}

func (e *Engine) renameat(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	oldDfidNum := r.u32()
	oldName := r.str()
	newDfidNum := r.u32()
	newName := r.str()

	oldDf, ok := e.fids[oldDfidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	newDf, ok := e.fids[newDfidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	src, err := e.rebase(filepath.Join(oldDf.path, oldName))
	if err != nil {
		return 0, nil, err
	}

	dst, err := e.rebase(filepath.Join(newDf.path, newName))
	if err != nil {
		return 0, nil, err
	}

	if err := os.Rename(src, dst); err != nil {
		return 0, nil, err
	}

	return rRenameat, nil, nil
}

func (e *Engine) unlinkat(body []byte) (byte, []byte, error) {
	r := &reader{b: body}
	dfidNum := r.u32()
	name := r.str()
	_ = r.u32() // flags (AT_REMOVEDIR etc.)

	df, ok := e.fids[dfidNum]
	if !ok {
		return 0, nil, syscall.EBADF
	}

	full, err := e.rebase(filepath.Join(df.path, name))
	if err != nil {
		return 0, nil, err
	}

	if err := os.Remove(full); err != nil {
		return 0, nil, err
	}

	return rUnlinkat, nil, nil
}

func (e *Engine) getlock(body []byte) (byte, []byte, error) {
	// Lock acquisition always succeeds and GETLOCK always reports the byte
	// range unlocked, per spec.md §4.13 ("TLOCK always succeeds / TGETLOCK
	// always F_UNLCK"): this engine does not arbitrate concurrent guest
	// lock holders.
	r := &reader{b: body}
	_ = r.u32() // fid
	typ := r.u8()
	start := r.u64()
	length := r.u64()
	_ = r.u32() // proc_id
	_ = r.str() // client_id

	const fUnlck = 2

	w := &writer{}
	w.u8(fUnlck)
	w.u64(start)
	w.u64(length)
	w.u32(0)
	w.str("")

	_ = typ

	return rGetlock, w.b, nil
}
