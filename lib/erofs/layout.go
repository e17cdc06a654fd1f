package erofs

import (
	"fmt"
	"io"
	"sort"
)

// direntPlan is one directory's on-disk dirent data, planned before inode
// addresses are known and serialized after.
type direntPlan struct {
	dir    *node
	parent *node          // the root is its own parent
	blocks [][]direntName // entries per 4-KiB block
}

type direntName struct {
	name string
	n    *node // nil for "." / ".." (resolved against dir/parent)
	dot  int   // 1 for ".", 2 for ".."
}

// Finalize lays out directories, inodes and the superblock, and returns the
// image size in bytes (a whole number of blocks). The builder cannot be
// used afterwards.
func (b *Builder) Finalize() (int64, error) {
	if b.sealed {
		return 0, ErrSealed
	}
	b.sealed = true

	plans := b.planDirents()
	b.metaBlk = b.curBlk

	if err := b.assignInodes(); err != nil {
		return 0, err
	}
	if err := b.writeDirents(plans); err != nil {
		return 0, err
	}
	end, err := b.writeInodes()
	if err != nil {
		return 0, err
	}

	totalBlocks := blocksFor(end)
	if err := b.writeSuperblock(totalBlocks); err != nil {
		return 0, err
	}

	size := totalBlocks * BlockSize
	// zero-fill the rest of the last block so the image spans all of its
	// blocks, which also lands the writer at the end of the image
	if _, err := b.w.Seek(end, io.SeekStart); err != nil {
		return 0, err
	}
	if err := writeAll(b.w, zeroBlock[:size-end]); err != nil {
		return 0, err
	}
	return size, nil
}

// planDirents assigns each directory its dirent data blocks (placed after
// the file data) and computes directory sizes.
func (b *Builder) planDirents() []direntPlan {
	var plans []direntPlan
	b.walkDirs(b.root, nil, func(dir, parent *node) {
		names := make([]direntName, 0, len(dir.children)+2)
		names = append(names, direntName{name: ".", dot: 1}, direntName{name: "..", dot: 2})
		for name, child := range dir.children {
			names = append(names, direntName{name: name, n: child})
		}
		sort.Slice(names, func(i, j int) bool { return names[i].name < names[j].name })

		if parent == nil {
			parent = dir
		}
		plan := direntPlan{dir: dir, parent: parent}
		var cur []direntName
		var curLen int
		for _, dn := range names {
			need := direntSize + len(dn.name)
			if curLen+need > BlockSize {
				plan.blocks = append(plan.blocks, cur)
				cur, curLen = nil, 0
			}
			cur = append(cur, dn)
			curLen += need
		}
		if len(cur) > 0 {
			plan.blocks = append(plan.blocks, cur)
		}

		dir.startBlk = b.curBlk
		dir.layout = layoutFlatPlain
		b.curBlk += int64(len(plan.blocks))

		dir.size = 0
		for i, blk := range plan.blocks {
			blkLen := 0
			for _, dn := range blk {
				blkLen += direntSize + len(dn.name)
			}
			if i == len(plan.blocks)-1 {
				dir.size += int64(blkLen)
			} else {
				dir.size += BlockSize
			}
		}
		plans = append(plans, plan)
	})
	return plans
}

// walkDirs visits directories preorder with children in name order.
func (b *Builder) walkDirs(dir, parent *node, fn func(dir, parent *node)) {
	fn(dir, parent)
	for _, name := range sortedChildNames(dir) {
		child := dir.children[name]
		if child.isDir() && child.target == nil {
			b.walkDirs(child, dir, fn)
		}
	}
}

func sortedChildNames(dir *node) []string {
	names := make([]string, 0, len(dir.children))
	for name := range dir.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// inodeDiskSize computes the bytes an inode occupies at its address:
// inode + inline xattrs + inline tail or compression metadata.
func (n *node) inodeDiskSize() int64 {
	sz := int64(extInodeSize + xattrIbodySize(n.xattrIcount()))
	switch n.layout {
	case layoutFlatInline:
		sz += int64(len(n.tail))
	case layoutCompressedFull:
		sz = alignUp(sz, 8) + mapHeaderSize + int64(len(n.lclusters))*lclusterSize
	}
	return sz
}

func (n *node) xattrIcount() uint16 {
	total := 0
	for _, x := range n.xattrs {
		total += int(alignUp(int64(4+len(x.name)+len(x.value)), 4))
	}
	return xattrIcount(total)
}

// assignInodes walks the tree preorder (root first, children name-sorted)
// and fixes every inode's meta address and nid.
func (b *Builder) assignInodes() error {
	pos := b.metaBlk * BlockSize
	metaBase := pos

	var assign func(n *node) error
	assign = func(n *node) error {
		if n.target == nil {
			pos = alignUp(pos, inodeSlotSize)
			// keep the fixed-size head of the inode inside one block, and
			// an inline tail inside the block as well
			headLen := int64(extInodeSize + xattrIbodySize(n.xattrIcount()))
			if n.layout == layoutFlatInline {
				headLen += int64(len(n.tail))
			}
			if pos%BlockSize+headLen > BlockSize && headLen <= BlockSize {
				pos = alignUp(pos, BlockSize)
			}
			n.addr = pos
			n.nid = uint64((pos - metaBase) / inodeSlotSize)
			n.diskSize = n.inodeDiskSize()
			if n.nid > (1<<60)-1 {
				return ErrNidTooBig
			}
			pos += n.diskSize
		}
		for _, name := range sortedChildNames(n) {
			if err := assign(n.children[name]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := assign(b.root); err != nil {
		return err
	}
	if b.root.nid > 0xFFFF {
		return ErrNidTooBig
	}
	return nil
}

// writeDirents serializes each directory's dirent blocks now that child
// nids are known. nids are relative to the meta base, offset by it here.
func (b *Builder) writeDirents(plans []direntPlan) error {
	metaNid := func(n *node) uint64 { return n.resolve().nid }

	for _, plan := range plans {
		dir := plan.dir
		parent := plan.parent
		if err := b.seekBlock(dir.startBlk); err != nil {
			return err
		}
		for _, blk := range plan.blocks {
			buf := make([]byte, BlockSize)
			nameOff := len(blk) * direntSize
			for i, dn := range blk {
				var nid uint64
				switch dn.dot {
				case 1:
					nid = dir.nid
				case 2:
					nid = parent.nid
				default:
					nid = metaNid(dn.n)
				}
				ft := dn.n.fileTypeByte()
				if dn.dot != 0 {
					ft = ftDir
				}
				putDirent(buf[i*direntSize:], dirent{
					Nid:      nid,
					NameOff:  uint16(nameOff),
					FileType: ft,
				})
				copy(buf[nameOff:], dn.name)
				nameOff += len(dn.name)
			}
			if _, err := b.w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *node) fileTypeByte() uint8 {
	if n == nil {
		return ftUnknown
	}
	if n.target != nil {
		return n.target.fileTypeByte()
	}
	return n.ftype
}

// writeInodes emits every inode at its assigned address and returns the
// final end offset of the image.
func (b *Builder) writeInodes() (int64, error) {
	var end int64
	var emit func(n *node) error
	emit = func(n *node) error {
		if n.target == nil {
			if err := b.emitInode(n); err != nil {
				return fmt.Errorf("inode %s: %w", n.name, err)
			}
			if e := n.addr + n.diskSize; e > end {
				end = e
			}
		}
		for _, name := range sortedChildNames(n) {
			if err := emit(n.children[name]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := emit(b.root); err != nil {
		return 0, err
	}
	return end, nil
}

func (b *Builder) emitInode(n *node) error {
	if _, err := b.w.Seek(n.addr, io.SeekStart); err != nil {
		return err
	}

	in := extInode{
		Format:     inodeFormat(n.layout),
		XattrCount: n.xattrIcount(),
		Mode:       uint16(filetypeMode(n.ftype)) | n.mode,
		Size:       uint64(n.size),
		Ino:        n.ino,
		UID:        n.uid,
		GID:        n.gid,
		Mtime:      n.mtime,
		Nlink:      n.nlink,
	}
	switch n.ftype {
	case ftChardev, ftBlkdev:
		in.Union = n.rdev
	default:
		switch n.layout {
		case layoutCompressedFull:
			in.Union = n.compBlocks
		default:
			if n.isDir() || n.hasFullBlocks() {
				in.Union = uint32(n.startBlk)
			}
		}
	}
	if err := writeAll(b.w, in.marshal()); err != nil {
		return err
	}
	if err := b.writeXattrs(n); err != nil {
		return err
	}

	switch n.layout {
	case layoutFlatInline:
		if len(n.tail) > 0 {
			if err := writeAll(b.w, n.tail); err != nil {
				return err
			}
		}
	case layoutCompressedFull:
		// align the map header to 8 bytes past the xattr area
		cur := n.addr + int64(extInodeSize+xattrIbodySize(n.xattrIcount()))
		if pad := alignUp(cur, 8) - cur; pad > 0 {
			if err := writeAll(b.w, zeroBlock[:pad]); err != nil {
				return err
			}
		}
		h := mapHeader{AlgorithmType: 0, ClusterBits: 0}
		if err := writeAll(b.w, h.marshal()); err != nil {
			return err
		}
		buf := make([]byte, lclusterSize)
		for _, lc := range n.lclusters {
			putLcluster(buf, lc)
			if err := writeAll(b.w, buf); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *node) hasFullBlocks() bool {
	switch n.layout {
	case layoutFlatPlain:
		return n.size > 0
	case layoutFlatInline:
		return n.size > int64(len(n.tail))
	}
	return false
}

func (b *Builder) writeXattrs(n *node) error {
	icount := n.xattrIcount()
	if icount == 0 {
		return nil
	}
	buf := make([]byte, xattrIbodySize(icount))
	// 12-byte ibody header is all zeros (no name filter, no shared xattrs)
	off := 12
	for _, x := range n.xattrs {
		buf[off] = uint8(len(x.name))
		buf[off+1] = x.index
		buf[off+2] = uint8(len(x.value))
		buf[off+3] = uint8(len(x.value) >> 8)
		copy(buf[off+4:], x.name)
		copy(buf[off+4+len(x.name):], x.value)
		off += int(alignUp(int64(4+len(x.name)+len(x.value)), 4))
	}
	return writeAll(b.w, buf)
}

func filetypeMode(ft uint8) uint16 {
	switch ft {
	case ftRegular:
		return 0o100000
	case ftDir:
		return 0o040000
	case ftChardev:
		return 0o020000
	case ftBlkdev:
		return 0o060000
	case ftFifo:
		return 0o010000
	case ftSocket:
		return 0o140000
	case ftSymlink:
		return 0o120000
	}
	return 0
}

func modeFiletype(mode uint16) uint8 {
	switch mode & 0o170000 {
	case 0o100000:
		return ftRegular
	case 0o040000:
		return ftDir
	case 0o020000:
		return ftChardev
	case 0o060000:
		return ftBlkdev
	case 0o010000:
		return ftFifo
	case 0o140000:
		return ftSocket
	case 0o120000:
		return ftSymlink
	}
	return ftUnknown
}

func (b *Builder) writeSuperblock(totalBlocks int64) error {
	sb := superblock{
		Magic:       SuperMagic,
		BlkszBits:   BlockSizeBits,
		RootNid:     uint16(b.root.nid),
		Inos:        uint64(b.nextIno - 1),
		Blocks:      uint32(totalBlocks),
		MetaBlkAddr: uint32(b.metaBlk),
	}
	if !b.opts.BuildTime.IsZero() {
		sb.BuildTime = uint64(b.opts.BuildTime.Unix())
	}
	if b.opts.Compression == CompressionLZ4 {
		sb.ComprAlgs = lz4MaxDistance
		sb.FeatureIncompat |= featureIncompatZeroPadding
	}
	if _, err := b.w.Seek(SuperOffset, io.SeekStart); err != nil {
		return err
	}
	return writeAll(b.w, sb.marshal())
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}
