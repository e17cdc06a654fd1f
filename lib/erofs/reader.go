package erofs

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Image is a read-only view over an EROFS image held in memory. It backs
// the round-trip tests and index-side inspection; the guest mounts images
// through the kernel driver, not through this code.
type Image struct {
	data []byte
	sb   *superblock
}

// Inode pairs the decoded on-disk inode with its location.
type Inode struct {
	extInode
	Nid  uint64
	addr int64
}

// DirEntry is one name in a directory.
type DirEntry struct {
	Name     string
	Nid      uint64
	FileType uint8
}

func OpenImage(data []byte) (*Image, error) {
	if len(data) < SuperOffset+superblockSize {
		return nil, ErrBadSuperblock
	}
	sb, err := unmarshalSuperblock(data[SuperOffset:])
	if err != nil {
		return nil, err
	}
	return &Image{data: data, sb: sb}, nil
}

func (im *Image) inodeAddr(nid uint64) int64 {
	return int64(im.sb.MetaBlkAddr)*BlockSize + int64(nid)*inodeSlotSize
}

func (im *Image) Inode(nid uint64) (*Inode, error) {
	addr := im.inodeAddr(nid)
	if addr+extInodeSize > int64(len(im.data)) {
		return nil, ErrBadImage
	}
	in, err := unmarshalExtInode(im.data[addr:])
	if err != nil {
		return nil, err
	}
	return &Inode{extInode: *in, Nid: nid, addr: addr}, nil
}

func (im *Image) Root() (*Inode, error) {
	return im.Inode(uint64(im.sb.RootNid))
}

func (in *Inode) IsDir() bool     { return modeFiletype(in.Mode) == ftDir }
func (in *Inode) IsSymlink() bool { return modeFiletype(in.Mode) == ftSymlink }
func (in *Inode) IsRegular() bool { return modeFiletype(in.Mode) == ftRegular }

// inlineOff is the offset of inline data (tail, symlink target, or the
// compression metadata base) relative to the image start.
func (in *Inode) inlineOff() int64 {
	return in.addr + extInodeSize + int64(xattrIbodySize(in.XattrCount))
}

// ReadDir decodes all dirent blocks of a directory.
func (im *Image) ReadDir(in *Inode) ([]DirEntry, error) {
	if !in.IsDir() {
		return nil, ErrNotADir
	}
	data, err := im.ReadFile(in)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for off := int64(0); off < int64(len(data)); off += BlockSize {
		blk := data[off:min64(off+BlockSize, int64(len(data)))]
		if len(blk) < direntSize {
			break
		}
		first := getDirent(blk)
		count := int(first.NameOff) / direntSize
		if count == 0 || count*direntSize > len(blk) {
			return nil, ErrBadImage
		}
		for i := 0; i < count; i++ {
			d := getDirent(blk[i*direntSize:])
			nameEnd := len(blk)
			if i+1 < count {
				nameEnd = int(getDirent(blk[(i+1)*direntSize:]).NameOff)
			}
			if int(d.NameOff) > nameEnd || nameEnd > len(blk) {
				return nil, ErrBadImage
			}
			name := string(trimNul(blk[d.NameOff:nameEnd]))
			out = append(out, DirEntry{Name: name, Nid: d.Nid, FileType: d.FileType})
		}
	}
	return out, nil
}

func trimNul(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// ReadFile returns the full contents of a regular file, directory data, or
// symlink target.
func (im *Image) ReadFile(in *Inode) ([]byte, error) {
	size := int64(in.Size)
	out := make([]byte, size)
	switch in.layout() {
	case layoutFlatPlain:
		start := int64(in.Union) * BlockSize
		if start+size > int64(len(im.data)) {
			return nil, ErrBadImage
		}
		copy(out, im.data[start:start+size])
	case layoutFlatInline:
		fullLen := size / BlockSize * BlockSize
		tailLen := size - fullLen
		if fullLen > 0 {
			start := int64(in.Union) * BlockSize
			if start+fullLen > int64(len(im.data)) {
				return nil, ErrBadImage
			}
			copy(out, im.data[start:start+fullLen])
		}
		if tailLen > 0 {
			t := in.inlineOff()
			if t+tailLen > int64(len(im.data)) {
				return nil, ErrBadImage
			}
			copy(out[fullLen:], im.data[t:t+tailLen])
		}
	case layoutCompressedFull:
		return im.readCompressed(in)
	default:
		return nil, fmt.Errorf("%w: layout %d", ErrBadImage, in.layout())
	}
	return out, nil
}

func (im *Image) readCompressed(in *Inode) ([]byte, error) {
	size := int64(in.Size)
	nclusters := blocksFor(size)
	idxBase := alignUp(in.inlineOff(), 8) + mapHeaderSize
	if idxBase+nclusters*lclusterSize > int64(len(im.data)) {
		return nil, ErrBadImage
	}
	out := make([]byte, size)
	for lcn := int64(0); lcn < nclusters; lcn++ {
		lc := getLcluster(im.data[idxBase+lcn*lclusterSize:])
		dst := out[lcn*BlockSize : min64((lcn+1)*BlockSize, size)]
		blk := int64(lc.BlkAddr) * BlockSize
		if blk+BlockSize > int64(len(im.data)) {
			return nil, ErrBadImage
		}
		src := im.data[blk : blk+BlockSize]
		switch lc.Advise {
		case lclusterPlain:
			copy(dst, src)
		case lclusterHead1:
			// 0PADDING: skip the leading zeros, the stream ends at the
			// block boundary
			margin := 0
			for margin < len(src) && src[margin] == 0 {
				margin++
			}
			if margin == len(src) {
				return nil, ErrBadImage
			}
			n, err := decompressBlock(src[margin:], dst)
			if err != nil {
				return nil, fmt.Errorf("lz4 lcluster %d: %w", lcn, err)
			}
			if int64(n) != int64(len(dst)) {
				return nil, fmt.Errorf("%w: lcluster %d decompressed %d want %d", ErrBadImage, lcn, n, len(dst))
			}
		default:
			return nil, fmt.Errorf("%w: lcluster type %d", ErrBadImage, lc.Advise)
		}
	}
	return out, nil
}

// Xattrs decodes the inline extended attributes of an inode back into full
// names.
func (im *Image) Xattrs(in *Inode) (map[string][]byte, error) {
	if in.XattrCount == 0 {
		return nil, nil
	}
	area := im.data[in.addr+extInodeSize : in.addr+extInodeSize+int64(xattrIbodySize(in.XattrCount))]
	out := map[string][]byte{}
	off := 12
	for off+4 <= len(area) {
		nameLen := int(area[off])
		index := area[off+1]
		valLen := int(binary.LittleEndian.Uint16(area[off+2:]))
		if nameLen == 0 && valLen == 0 {
			break
		}
		rec := 4 + nameLen + valLen
		if off+rec > len(area) {
			return nil, ErrBadImage
		}
		name := string(area[off+4 : off+4+nameLen])
		val := append([]byte{}, area[off+4+nameLen:off+rec]...)
		out[xattrFullName(index, name)] = val
		off += int(alignUp(int64(rec), 4))
	}
	return out, nil
}

func xattrFullName(index uint8, name string) string {
	switch index {
	case XattrIndexUser:
		return "user." + name
	case XattrIndexPosixACLAccess:
		return "system.posix_acl_access"
	case XattrIndexPosixACLDefault:
		return "system.posix_acl_default"
	case XattrIndexTrusted:
		return "trusted." + name
	case XattrIndexSecurity:
		return "security." + name
	}
	return name
}

// Lookup resolves a "/"-separated path from the root.
func (im *Image) Lookup(p string) (*Inode, error) {
	cur, err := im.Root()
	if err != nil {
		return nil, err
	}
	for _, part := range strings.Split(strings.Trim(p, "/"), "/") {
		if part == "" {
			continue
		}
		ents, err := im.ReadDir(cur)
		if err != nil {
			return nil, err
		}
		var next *Inode
		for _, e := range ents {
			if e.Name == part {
				next, err = im.Inode(e.Nid)
				if err != nil {
					return nil, err
				}
				break
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%w: %s", ErrBadImage, p)
		}
		cur = next
	}
	return cur, nil
}

// WalkFiles flattens the image into path → contents for regular files and
// path → target for symlinks. Used by equivalence tests.
func (im *Image) WalkFiles() (map[string][]byte, error) {
	out := map[string][]byte{}
	root, err := im.Root()
	if err != nil {
		return nil, err
	}
	var walk func(prefix string, in *Inode) error
	walk = func(prefix string, in *Inode) error {
		ents, err := im.ReadDir(in)
		if err != nil {
			return err
		}
		for _, e := range ents {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			child, err := im.Inode(e.Nid)
			if err != nil {
				return err
			}
			p := prefix + e.Name
			switch {
			case child.IsDir():
				if err := walk(p+"/", child); err != nil {
					return err
				}
			case child.IsRegular(), child.IsSymlink():
				data, err := im.ReadFile(child)
				if err != nil {
					return fmt.Errorf("%s: %w", p, err)
				}
				out[p] = data
			}
		}
		return nil
	}
	if err := walk("", root); err != nil {
		return nil, err
	}
	return out, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
