// Package fileio is the L0 FileIO collaborator (spec §2): positional byte
// I/O with growth on write past the current end and an explicit close
// lifecycle. Open opens the descriptor at once (not lazily per operation)
// and it stays open until the last handle sharing it is closed. It is modeled on the way perkeep's diskpacked storage
// opens/seeks/truncates its pack files directly via *os.File, plus the
// reference-counted open-file tracking of pkg/readerutil.
package fileio

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/acdp-go/acdpcore/acdperr"
)

// Provider hands out File handles and can be shut down, after which every
// in-flight and future operation fails fast with acdperr.ErrShutdown (spec §5
// "Shutdown signals a file-channel provider to reject further I/O").
//
// Open dedups concurrent opens of the same path onto one *os.File, refcounted
// the way pkg/readerutil.OpenSingle shares descriptors across callers --
// several collaborators of the same table (FL, VL, a verify or compact pass)
// may each hold their own *fileio.File over the same backing path.
type Provider struct {
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	shutdown bool

	openMu sync.Mutex
	open   map[string]*sharedFile
}

// sharedFile is one os.File descriptor shared by every *File handed out for
// the same path.
type sharedFile struct {
	f        *os.File
	path     string
	provider *Provider
	refCount int64
}

// NewProvider returns a Provider bound to ctx. Canceling ctx (or calling
// Shutdown) makes every subsequent Open/positional call fail.
func NewProvider(ctx context.Context) *Provider {
	c, cancel := context.WithCancel(ctx)
	return &Provider{ctx: c, cancel: cancel}
}

// Shutdown marks the provider closed; in-flight File operations still racing
// the shutdown may complete, but all calls issued afterward fail.
func (p *Provider) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.shutdown {
		p.shutdown = true
		p.cancel()
	}
}

func (p *Provider) checkLive() error {
	select {
	case <-p.ctx.Done():
		return acdperr.ErrShutdown
	default:
		return nil
	}
}

// Open opens or creates path for positional read/write, sharing the
// underlying descriptor with any other File already open on the same path.
func (p *Provider) Open(path string) (*File, error) {
	if err := p.checkLive(); err != nil {
		return nil, err
	}
	sf, err := p.acquire(path, false)
	if err != nil {
		return nil, err
	}
	return &File{shared: sf, path: path, provider: p}, nil
}

// OpenReadOnly opens path for positional reads only, same descriptor sharing
// as Open.
func (p *Provider) OpenReadOnly(path string) (*File, error) {
	if err := p.checkLive(); err != nil {
		return nil, err
	}
	sf, err := p.acquire(path, true)
	if err != nil {
		return nil, err
	}
	return &File{shared: sf, path: path, provider: p, readOnly: true}, nil
}

func (p *Provider) acquire(path string, readOnly bool) (*sharedFile, error) {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	if p.open == nil {
		p.open = make(map[string]*sharedFile)
	}
	if sf, ok := p.open[path]; ok {
		sf.refCount++
		return sf, nil
	}
	var f *os.File
	var err error
	if readOnly {
		f, err = os.Open(path)
	} else {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	}
	if err != nil {
		return nil, fmt.Errorf("fileio: open %q: %w", path, err)
	}
	sf := &sharedFile{f: f, path: path, provider: p, refCount: 1}
	p.open[path] = sf
	return sf, nil
}

// release drops one reference to sf, closing the descriptor once nothing
// else holds it.
func (p *Provider) release(sf *sharedFile) error {
	p.openMu.Lock()
	defer p.openMu.Unlock()
	sf.refCount--
	if sf.refCount > 0 {
		return nil
	}
	if p.open[sf.path] == sf {
		delete(p.open, sf.path)
	}
	return sf.f.Close()
}

// File is a single open backing file, growth-on-write included.
type File struct {
	shared   *sharedFile
	path     string
	provider *Provider
	readOnly bool
}

func (f *File) Path() string { return f.path }

// ReadAt reads len(b) bytes starting at off. Short reads past the current
// end of file are an error, same as os.File.ReadAt.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if err := f.provider.checkLive(); err != nil {
		return 0, err
	}
	return f.shared.f.ReadAt(b, off)
}

// WriteAt writes b at off, growing the file if off+len(b) exceeds the
// current size (the OS does this for us on a positional write past EOF;
// we document it here because the spec calls it out as an L0 responsibility).
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if f.readOnly {
		return 0, acdperr.ErrReadOnly
	}
	if err := f.provider.checkLive(); err != nil {
		return 0, err
	}
	return f.shared.f.WriteAt(b, off)
}

// Size returns the current file size.
func (f *File) Size() (int64, error) {
	fi, err := f.shared.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Truncate resizes the file to size bytes.
func (f *File) Truncate(size int64) error {
	if f.readOnly {
		return acdperr.ErrReadOnly
	}
	if err := f.provider.checkLive(); err != nil {
		return err
	}
	return f.shared.f.Truncate(size)
}

// Force fsyncs the file (part of a Unit's commit force-list, spec §3.1/§5).
func (f *File) Force() error {
	if err := f.provider.checkLive(); err != nil {
		return err
	}
	return f.shared.f.Sync()
}

// Close releases this handle's reference to the shared descriptor,
// closing it once every other File sharing this path has also closed.
func (f *File) Close() error {
	return f.provider.release(f.shared)
}
