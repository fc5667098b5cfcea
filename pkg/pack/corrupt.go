package pack

import "fmt"

// CorruptError reports a structurally damaged pack or index file. Callers
// decide whether to fail or to skip the file and keep reading elsewhere.
type CorruptError struct {
	File string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt pack file %s: %v", e.File, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func corruptf(file, format string, args ...any) *CorruptError {
	return &CorruptError{File: file, Err: fmt.Errorf(format, args...)}
}
