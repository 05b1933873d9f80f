//go:build unix && !linux

package poll

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type pollEntry struct {
	token    Token
	interest Ready
	opts     PollOpt
}

// selector 使用 poll(2) 实现。注册表由互斥锁保护，每次 wait 时重建 pollfd 列表；
// 注册变化会唤醒正在阻塞的 wait，使其在下一轮使用新的列表。
// Edge 语义在这里退化为 Level。
type selector struct {
	mu      sync.Mutex
	entries map[int]*pollEntry
	log     *logrus.Entry

	wakeR, wakeW int

	fds []unix.PollFd
}

func newSelector(log *logrus.Entry) (*selector, error) {
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}
	return &selector{
		entries: make(map[int]*pollEntry),
		log:     log,
		wakeR:   p[0],
		wakeW:   p[1],
	}, nil
}

func pollEvents(interest Ready) int16 {
	var kind int16
	if interest.IsReadable() {
		kind |= unix.POLLIN | unix.POLLPRI
	}
	if interest.IsWritable() {
		kind |= unix.POLLOUT
	}
	return kind
}

func readyFromPoll(revents int16) Ready {
	var r Ready
	if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
		r |= Readable
	}
	if revents&unix.POLLOUT != 0 {
		r |= Writable
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		r |= Error
	}
	if revents&unix.POLLHUP != 0 {
		r |= Hup
	}
	return r
}

func (s *selector) register(fd int, token Token, interest Ready, opts PollOpt) error {
	s.mu.Lock()
	if _, ok := s.entries[fd]; ok {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.entries[fd] = &pollEntry{token: token, interest: interest, opts: opts}
	s.mu.Unlock()
	return s.wake()
}

func (s *selector) reregister(fd int, token Token, interest Ready, opts PollOpt) error {
	s.mu.Lock()
	e, ok := s.entries[fd]
	if !ok {
		s.mu.Unlock()
		return ErrNotRegistered
	}
	e.token, e.interest, e.opts = token, interest, opts
	s.mu.Unlock()
	return s.wake()
}

func (s *selector) deregister(fd int) error {
	s.mu.Lock()
	if _, ok := s.entries[fd]; !ok {
		s.mu.Unlock()
		return ErrNotRegistered
	}
	delete(s.entries, fd)
	s.mu.Unlock()
	return s.wake()
}

func (s *selector) wait(events *Events, timeout time.Duration) error {
	s.mu.Lock()
	s.fds = append(s.fds[:0], unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN})
	for fd, e := range s.entries {
		if e.interest.IsEmpty() {
			continue
		}
		s.fds = append(s.fds, unix.PollFd{Fd: int32(fd), Events: pollEvents(e.interest)})
	}
	s.mu.Unlock()

	n, err := unix.Poll(s.fds, timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return os.NewSyscallError("poll", err)
	}
	if n == 0 {
		return nil
	}

	if s.fds[0].Revents != 0 {
		s.drainWake()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pfd := range s.fds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		e, ok := s.entries[int(pfd.Fd)]
		if !ok {
			s.log.WithField("fd", pfd.Fd).Debug("dropping event for unregistered descriptor")
			continue
		}
		if !events.push(Event{readiness: readyFromPoll(pfd.Revents), token: e.token}) {
			break
		}
		if e.opts.IsOneshot() {
			e.interest = 0
		}
	}
	return nil
}

func (s *selector) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(s.wakeR, buf[:]); err != nil || n == 0 {
			return
		}
	}
}

func (s *selector) wake() error {
	_, err := unix.Write(s.wakeW, []byte{1})
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (s *selector) close() error {
	return errors.Join(unix.Close(s.wakeR), unix.Close(s.wakeW))
}
