// Package ptyio exposes a pseudo-terminal whose slave end other programs open
// like a serial port. The master end is pumped by background goroutines
// through ring buffers, so a slow peer never blocks the caller and the caller
// never blocks the peer.
//
//	p, err := ptyio.Open(ptyio.Options{Link: "/tmp/agv"}, logger)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.OnData(func(b []byte) { ... }) // bytes written by the peer
//	p.Write([]byte("ack\n"))         // bytes the peer will read
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/agvlink/internal/groutine"
)

// Options configures Open. Zero values take the defaults from the tags.
type Options struct {
	ReadCap      int           `default:"4096"` // bytes buffered from the peer
	WriteCap     int           `default:"4096"` // bytes buffered for the peer
	PollInterval time.Duration `default:"50ms"` // upper bound on shutdown latency
	// Link, when set, is a symlink created to the slave device and removed on Close.
	Link string
	// OnError is called at most once per pump when it stops on an unexpected error.
	OnError func(error)
}

// Stats are cumulative byte counters.
type Stats struct {
	ReadBytes    uint64
	WrittenBytes uint64
	DroppedRead  uint64
	DroppedWrite uint64
	PendingWrite int
}

// PTY is the master side of a pseudo-terminal pair.
type PTY struct {
	logger   *logrus.Logger
	opts     Options
	master   *os.File
	slave    *os.File
	name     string
	link     string
	readBuf  *ringbuffer.RingBuffer
	writeBuf *ringbuffer.RingBuffer

	onData   atomic.Pointer[func([]byte)]
	dataSig  chan struct{}
	errOnce  sync.Once
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	read     atomic.Uint64
	written  atomic.Uint64
	dropRead atomic.Uint64
	dropWr   atomic.Uint64
}

// Open creates the pair, puts the slave in raw mode and starts the pumps.
func Open(opts Options, logger *logrus.Logger) (*PTY, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	defaults.SetDefaults(&opts)

	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:   logger,
		opts:     opts,
		master:   master,
		slave:    slave,
		name:     slave.Name(),
		readBuf:  ringbuffer.New(opts.ReadCap),
		writeBuf: ringbuffer.New(opts.WriteCap),
		dataSig:  make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	if opts.Link != "" {
		if err := replaceSymlink(p.name, opts.Link); err != nil {
			_ = master.Close()
			_ = slave.Close()
			cancel()
			return nil, err
		}
		p.link = opts.Link
	}

	groutine.GoTracked(ctx, &p.wg, "pty-read-pump", func(context.Context) { p.readPump() })
	groutine.GoTracked(ctx, &p.wg, "pty-write-pump", func(context.Context) { p.writePump() })
	groutine.GoTracked(ctx, &p.wg, "pty-dispatch", func(context.Context) { p.dispatch() })

	logger.WithFields(logrus.Fields{
		"tty":  p.name,
		"link": p.link,
	}).Debug("PTY opened")
	return p, nil
}

// Name is the slave device path, e.g. /dev/pts/5.
func (p *PTY) Name() string { return p.name }

// Link is the symlink created for the slave, empty if none.
func (p *PTY) Link() string { return p.link }

// OnData registers fn for bytes written by the peer; nil unregisters. fn runs
// on a background goroutine and must not retain the slice.
func (p *PTY) OnData(fn func([]byte)) {
	if fn == nil {
		p.onData.Store(nil)
		return
	}
	p.onData.Store(&fn)
	p.signal()
}

// Write queues b for the peer without blocking. When the buffer is full the
// excess is dropped and n < len(b).
func (p *PTY) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.writeBuf.Write(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(b) {
		p.dropWr.Add(uint64(len(b) - n))
		p.logger.WithField("dropped", len(b)-n).Warn("PTY write buffer full")
	}
	return n, nil
}

// Read takes buffered bytes from the peer without blocking. It returns
// syscall.EAGAIN when nothing is buffered. Bytes consumed by an OnData
// callback are not seen by Read.
func (p *PTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

func (p *PTY) Stats() Stats {
	return Stats{
		ReadBytes:    p.read.Load(),
		WrittenBytes: p.written.Load(),
		DroppedRead:  p.dropRead.Load(),
		DroppedWrite: p.dropWr.Load(),
		PendingWrite: p.writeBuf.Length(),
	}
}

// Close stops the pumps, closes both ends and removes the symlink.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close PTY slave: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3*p.opts.PollInterval + time.Second):
		p.logger.WithField("tty", p.name).Warn("PTY pumps did not stop in time")
	}

	if p.link != "" {
		if err := os.Remove(p.link); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("remove PTY link: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *PTY) signal() {
	select {
	case p.dataSig <- struct{}{}:
	default:
	}
}

func (p *PTY) fail(err error) {
	p.logger.WithField("error", err).Warn("PTY pump stopped")
	if p.opts.OnError != nil {
		p.errOnce.Do(func() { p.opts.OnError(err) })
	}
}

func (p *PTY) pollMs() int {
	return int(p.opts.PollInterval / time.Millisecond)
}

func (p *PTY) readPump() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 1024)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(fds, p.pollMs())
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.fail(fmt.Errorf("poll PTY for read: %w", err))
			return
		}
		if ready == 0 {
			continue
		}

		n, err := p.master.Read(buf)
		if n > 0 {
			stored, _ := p.readBuf.Write(buf[:n])
			if stored < n {
				p.dropRead.Add(uint64(n - stored))
			}
			p.read.Add(uint64(stored))
			p.signal()
		}
		switch {
		case err == nil,
			errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EINTR):
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// no peer has the slave open; keep waiting for one
			time.Sleep(p.opts.PollInterval)
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
			return
		default:
			p.fail(fmt.Errorf("read PTY: %w", err))
			return
		}
	}
}

func (p *PTY) writePump() {
	fds := []unix.PollFd{{Fd: int32(p.master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 1024)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			time.Sleep(p.opts.PollInterval / 5)
			continue
		}
		n, err := p.writeBuf.TryRead(buf)
		if err != nil || n == 0 {
			continue
		}

		for off := 0; off < n && p.ctx.Err() == nil; {
			w, err := p.master.Write(buf[off:n])
			off += w
			p.written.Add(uint64(w))
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(fds, p.pollMs()); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.fail(fmt.Errorf("poll PTY for write: %w", perr))
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail(fmt.Errorf("write PTY: %w", err))
				return
			}
		}
	}
}

func (p *PTY) dispatch() {
	buf := make([]byte, 256)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.dataSig:
		}

		for p.ctx.Err() == nil {
			fn := p.onData.Load()
			if fn == nil {
				break
			}
			n, _ := p.readBuf.TryRead(buf)
			if n == 0 {
				break
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.deliver(*fn, chunk)
		}
	}
}

func (p *PTY) deliver(fn func([]byte), chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.onData.Store(nil)
			p.fail(fmt.Errorf("PTY data callback panicked: %v", r))
		}
	}()
	fn(chunk)
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	cleanup := func(cause error) (*os.File, *os.File, error) {
		return nil, nil, errors.Join(cause, master.Close(), slave.Close())
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return cleanup(fmt.Errorf("failed to set PTY master non-blocking: %w", err))
	}
	return master, slave, nil
}

// replaceSymlink points link at target, replacing an existing symlink but
// never a regular file.
func replaceSymlink(target, link string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to replace %s: not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("remove stale link %s: %w", link, err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create link %s -> %s: %w", link, target, err)
	}
	return nil
}
