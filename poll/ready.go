package poll

import (
	"math"
	"strings"
)

// Token 是调用方选择的关联值，用于识别产生就绪事件的资源。
type Token uint64

// wakeToken 保留给内部唤醒通道，不允许用户注册。
const wakeToken = Token(math.MaxUint64)

// Ready is a set of readiness states.
type Ready uint8

const (
	Readable Ready = 1 << iota
	Writable
	Error
	Hup
)

// Empty returns a Ready with no bits set.
func Empty() Ready { return 0 }

// All returns every readiness bit a caller can subscribe to.
func All() Ready { return Readable | Writable | Error | Hup }

func (r Ready) IsEmpty() bool    { return r == 0 }
func (r Ready) IsReadable() bool { return r&Readable != 0 }
func (r Ready) IsWritable() bool { return r&Writable != 0 }
func (r Ready) IsError() bool    { return r&Error != 0 }
func (r Ready) IsHup() bool      { return r&Hup != 0 }

// Contains reports whether every bit of other is set in r.
func (r Ready) Contains(other Ready) bool { return r&other == other }

func (r Ready) String() string {
	if r.IsEmpty() {
		return "(empty)"
	}
	var parts []string
	if r.IsReadable() {
		parts = append(parts, "Readable")
	}
	if r.IsWritable() {
		parts = append(parts, "Writable")
	}
	if r.IsError() {
		parts = append(parts, "Error")
	}
	if r.IsHup() {
		parts = append(parts, "Hup")
	}
	return strings.Join(parts, " | ")
}

// PollOpt 控制注册的触发方式。
// 既没有 Edge 也没有 Level 时按 Level 处理，内核描述符与用户态注册一致。
type PollOpt uint8

const (
	// Edge 只在就绪状态发生变化时通知一次。
	Edge PollOpt = 1 << iota
	// Level 在资源保持就绪期间每次 Poll 都会通知。
	Level
	// Oneshot 触发一次后解除 interest，直到 Reregister。
	Oneshot
)

func (o PollOpt) IsEdge() bool    { return o&Edge != 0 }
func (o PollOpt) IsLevel() bool   { return o&Level != 0 }
func (o PollOpt) IsOneshot() bool { return o&Oneshot != 0 }

func (o PollOpt) String() string {
	if o == 0 {
		return "(empty)"
	}
	var parts []string
	if o.IsEdge() {
		parts = append(parts, "Edge")
	}
	if o.IsLevel() {
		parts = append(parts, "Level")
	}
	if o.IsOneshot() {
		parts = append(parts, "Oneshot")
	}
	return strings.Join(parts, " | ")
}
