package sniproxy

import (
	"fmt"
	"runtime"
	"strings"
)

// StackError is used for failures that are not tied to one connection:
// configuration, binding, accepting.
type StackError struct {
	Message    string
	Stacktrace []string
}

func NewStackErrorf(messageFmt string, args ...interface{}) *StackError {
	return &StackError{
		Message:    fmt.Sprintf(messageFmt, args...),
		Stacktrace: stacktrace(),
	}
}

func (se *StackError) Error() string {
	return fmt.Sprintf("%s\n\t%s", se.Message, strings.Join(se.Stacktrace, "\n\t"))
}

func stacktrace() []string {
	ret := make([]string, 0, 2)
	for skip := 2; ; skip++ {
		_, file, line, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		ret = append(ret, fmt.Sprintf("at %s:%d", stripDirectories(file, 2), line))
	}
	return ret
}

func stripDirectories(filepath string, toKeep int) string {
	idxCutoff := strings.LastIndex(filepath, "/")
	if idxCutoff == -1 {
		return filepath
	}

	for dirToKeep := 0; dirToKeep < toKeep; dirToKeep++ {
		idx := strings.LastIndex(filepath[:idxCutoff], "/")
		if idx == -1 {
			break
		}
		idxCutoff = idx
	}

	return filepath[idxCutoff+1:]
}
