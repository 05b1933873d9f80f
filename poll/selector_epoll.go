//go:build linux

package poll

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const maxSelectorEvents = 256

// selector 基于 Linux epoll 实现，使用 eventfd 进行跨 goroutine 唤醒。
type selector struct {
	epfd   int
	wakeFd int
	log    *logrus.Entry

	// fd -> Token；事件只携带 fd，Token 在这里查找。
	tokens sync.Map

	buf []unix.EpollEvent
}

func newSelector(log *logrus.Entry) (*selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl", err)
	}

	return &selector{
		epfd:   epfd,
		wakeFd: wakeFd,
		log:    log,
		buf:    make([]unix.EpollEvent, maxSelectorEvents),
	}, nil
}

func epollEvents(interest Ready, opts PollOpt) uint32 {
	var kind uint32
	if interest.IsReadable() {
		kind |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest.IsWritable() {
		kind |= unix.EPOLLOUT
	}
	if opts.IsEdge() {
		kind |= unix.EPOLLET
	}
	if opts.IsOneshot() {
		kind |= unix.EPOLLONESHOT
	}
	return kind
}

func readyFromEpoll(events uint32) Ready {
	var r Ready
	if events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		r |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	if events&unix.EPOLLERR != 0 {
		r |= Error
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		r |= Hup
	}
	return r
}

func (s *selector) register(fd int, token Token, interest Ready, opts PollOpt) error {
	ev := unix.EpollEvent{Events: epollEvents(interest, opts), Fd: int32(fd)}
	// 先写入映射，避免 EPOLL_CTL_ADD 之后立即到达的事件找不到 Token。
	prev, had := s.tokens.Swap(fd, token)
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if had {
			s.tokens.Store(fd, prev)
		} else {
			s.tokens.Delete(fd)
		}
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (s *selector) reregister(fd int, token Token, interest Ready, opts PollOpt) error {
	ev := unix.EpollEvent{Events: epollEvents(interest, opts), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	s.tokens.Store(fd, token)
	return nil
}

func (s *selector) deregister(fd int) error {
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	s.tokens.Delete(fd)
	return nil
}

func (s *selector) wait(events *Events, timeout time.Duration) error {
	// 只请求 Events 放得下的数量；多取的边沿事件一旦丢弃内核不会再次报告。
	room := events.remaining()
	if room > len(s.buf) {
		room = len(s.buf)
	}
	if room == 0 {
		return nil
	}

	n, err := unix.EpollWait(s.epfd, s.buf[:room], timeoutMillis(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		raw := s.buf[i]
		fd := int(raw.Fd)
		if fd == s.wakeFd {
			s.drainWake()
			continue
		}
		val, ok := s.tokens.Load(fd)
		if !ok {
			s.log.WithField("fd", fd).Debug("dropping event for unregistered descriptor")
			continue
		}
		events.push(Event{readiness: readyFromEpoll(raw.Events), token: val.(Token)})
	}
	return nil
}

func (s *selector) drainWake() {
	var buf [8]byte
	if _, err := unix.Read(s.wakeFd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		s.log.WithError(err).Debug("drain eventfd")
	}
}

func (s *selector) wake() error {
	buf := [8]byte{1}
	_, err := unix.Write(s.wakeFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (s *selector) close() error {
	return errors.Join(unix.Close(s.wakeFd), unix.Close(s.epfd))
}
