package scheduler

import (
	"errors"

	"github.com/coreflow/fibersched/fiber"
)

// NoAffinity is the thread_id sentinel meaning "any worker may run this".
const NoAffinity = -1

// ErrInvalidTask is returned when Schedule/ScheduleBatch is given a value
// that is neither a *fiber.Fiber nor a func().
var ErrInvalidTask = errors.New("scheduler: task must be *fiber.Fiber or func()")

// task is a queue entry carrying either a fiber reference or a plain
// callable, plus optional thread affinity.
type task struct {
	f        *fiber.Fiber
	cb       func()
	threadID int
}

func newTask(item any, threadID int) (*task, error) {
	switch v := item.(type) {
	case *fiber.Fiber:
		if v == nil {
			return nil, ErrInvalidTask
		}
		return &task{f: v, threadID: threadID}, nil
	case func():
		if v == nil {
			return nil, ErrInvalidTask
		}
		return &task{cb: v, threadID: threadID}, nil
	default:
		return nil, ErrInvalidTask
	}
}
