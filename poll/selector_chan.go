//go:build !unix

package poll

import (
	"time"

	"github.com/sirupsen/logrus"
)

// selector 在没有原始描述符的平台上只负责等待用户态就绪队列。
// 唤醒通过容量为 1 的 channel 合并。
type selector struct {
	wakeCh chan struct{}
	done   chan struct{}
	log    *logrus.Entry
}

func newSelector(log *logrus.Entry) (*selector, error) {
	return &selector{
		wakeCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    log,
	}, nil
}

func (s *selector) wait(_ *Events, timeout time.Duration) error {
	switch {
	case timeout == 0:
		select {
		case <-s.wakeCh:
		default:
		}
		return nil
	case timeout < 0:
		select {
		case <-s.wakeCh:
		case <-s.done:
		}
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.wakeCh:
	case <-s.done:
	case <-timer.C:
	}
	return nil
}

func (s *selector) wake() error {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *selector) close() error {
	close(s.done)
	return nil
}
