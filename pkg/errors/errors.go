package errors

import (
	"fmt"
	"runtime"
)

// SupervisorError is the structured error passed over the supervisor's
// error channels. Next chains supervisor errors, Wrapped captures the
// underlying OS-level error with its origin.
type SupervisorError struct {
	Op      string           `json:"op"`
	Kind    string           `json:"kind"`
	Next    *SupervisorError `json:"next,omitempty"`
	Wrapped *WrappedError    `json:"wrapped,omitempty"`
}

type WrappedError struct {
	Type string `json:"type"`
	Info string `json:"info"`
	File string `json:"file"`
	Line int    `json:"line"`
}

func (e *SupervisorError) Error() string {
	errStr := ""
	if e.Next != nil {
		errStr = fmt.Sprintf(",Next:%s", e.Next.Error())
	}
	if e.Wrapped != nil {
		errStr = fmt.Sprintf("%s,Wrapped:{Type=%s,Info=%s,Line:%d,File:%s}",
			errStr, e.Wrapped.Type, e.Wrapped.Info, e.Wrapped.Line, e.Wrapped.File)
	}

	return fmt.Sprintf("SupervisorError{Op:%s,Kind:%s%s}", e.Op, e.Kind, errStr)
}

// SE wraps err with the operation and kind that produced it.
func SE(op string, kind string, err error) *SupervisorError {
	e := &SupervisorError{
		Op:   op,
		Kind: kind,
	}

	if next, ok := err.(*SupervisorError); ok {
		e.Next = next
	} else {
		e.Wrapped = &WrappedError{
			Type: fmt.Sprintf("%T", err),
			Info: err.Error(),
		}

		if _, file, line, ok := runtime.Caller(1); ok {
			e.Wrapped.File = file
			e.Wrapped.Line = line
		}
	}

	return e
}

// Drain collects whatever errors are already queued on ch.
func Drain(ch <-chan error) (arr []error) {
	for {
		select {
		case e := <-ch:
			arr = append(arr, e)
		default:
			return arr
		}
	}
}
