package epgfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

const entryAttrTimeout = 1 * time.Second

// Mount mounts the guide filesystem at dir and returns the running server.
func Mount(dir string, cfg Config) (Server, error) {
	if cfg.CurrentName == nil {
		cfg.CurrentName = func() string { return "" }
	}
	to := entryAttrTimeout
	opts := &fs.Options{
		EntryTimeout: &to,
		AttrTimeout:  &to,
		MountOptions: fuse.MountOptions{
			FsName:  "epgmerge",
			Name:    "epgfs",
			Options: []string{"ro"},
		},
	}
	server, err := fs.Mount(dir, &rootNode{cfg: cfg}, opts)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// rootNode lists the live output next to the archives directory.
type rootNode struct {
	fs.Inode
	cfg Config
}

var _ fs.NodeGetattrer = (*rootNode)(nil)
var _ fs.NodeReaddirer = (*rootNode)(nil)
var _ fs.NodeLookuper = (*rootNode)(nil)

func (r *rootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	return 0
}

func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries := []fuse.DirEntry{
		{Name: "archives", Mode: fuse.S_IFDIR, Ino: inoFor("dir:archives")},
	}
	if name := r.cfg.CurrentName(); name != "" {
		if _, err := os.Stat(filepath.Join(r.cfg.CurrentDir, name)); err == nil {
			entries = append(entries, fuse.DirEntry{
				Name: name,
				Mode: fuse.S_IFREG,
				Ino:  inoFor("current:" + name),
			})
		}
	}
	return fs.NewListDirStream(entries), 0
}

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name == "archives" {
		ch := r.NewInode(ctx, &archivesNode{cfg: r.cfg}, fs.StableAttr{
			Mode: fuse.S_IFDIR,
			Ino:  inoFor("dir:archives"),
		})
		out.Mode = fuse.S_IFDIR | 0755
		return ch, 0
	}
	if name != r.cfg.CurrentName() {
		return nil, syscall.ENOENT
	}
	path := filepath.Join(r.cfg.CurrentDir, name)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, syscall.ENOENT
	}
	ch := r.NewInode(ctx, &guideFileNode{path: path}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  inoFor("current:" + name),
	})
	fillFileAttr(&out.Attr, fi)
	return ch, 0
}

// archivesNode lists everything in the archive dir, including files put
// there outside the service.
type archivesNode struct {
	fs.Inode
	cfg Config
}

var _ fs.NodeGetattrer = (*archivesNode)(nil)
var _ fs.NodeReaddirer = (*archivesNode)(nil)
var _ fs.NodeLookuper = (*archivesNode)(nil)

func (n *archivesNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | 0755
	return 0
}

func (n *archivesNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	names, err := listArchives(n.cfg.ArchiveDir)
	if err != nil {
		return nil, syscall.EIO
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: fuse.S_IFREG,
			Ino:  inoFor("archive:" + name),
		})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *archivesNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if name != filepath.Base(name) {
		return nil, syscall.ENOENT
	}
	path := filepath.Join(n.cfg.ArchiveDir, name)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return nil, syscall.ENOENT
	}
	ch := n.NewInode(ctx, &guideFileNode{path: path}, fs.StableAttr{
		Mode: fuse.S_IFREG,
		Ino:  inoFor("archive:" + name),
	})
	fillFileAttr(&out.Attr, fi)
	return ch, 0
}

// guideFileNode serves one guide file off the local disk.
type guideFileNode struct {
	fs.Inode
	path string
}

var _ fs.NodeGetattrer = (*guideFileNode)(nil)
var _ fs.NodeOpener = (*guideFileNode)(nil)

func (n *guideFileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := os.Stat(n.path)
	if err != nil {
		return syscall.ENOENT
	}
	fillFileAttr(&out.Attr, fi)
	return 0
}

func (n *guideFileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	f, err := os.Open(n.path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &guideFileHandle{f: f}, fuse.FOPEN_KEEP_CACHE, 0
}

func fillFileAttr(attr *fuse.Attr, fi os.FileInfo) {
	attr.Mode = fuse.S_IFREG | 0444
	attr.Size = uint64(fi.Size())
	mtime := fi.ModTime()
	attr.SetTimes(nil, &mtime, nil)
}

// guideFileHandle holds an open descriptor for reads.
type guideFileHandle struct {
	mu sync.Mutex
	f  *os.File
}

var _ fs.FileReader = (*guideFileHandle)(nil)
var _ fs.FileReleaser = (*guideFileHandle)(nil)

func (h *guideFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil, syscall.EBADF
	}
	n, err := h.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *guideFileHandle) Release(ctx context.Context) syscall.Errno {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f != nil {
		h.f.Close()
		h.f = nil
	}
	return 0
}
