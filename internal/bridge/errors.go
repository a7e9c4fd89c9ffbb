package bridge

import (
	"fmt"
	"strings"

	"gihan9a/collabsync/internal/crdt"
	"gihan9a/collabsync/pkg/editorproto"
)

// ErrorKind classifies a StructuralError
type ErrorKind string

const (
	InvalidPath  ErrorKind = "invalid_path"
	CyclicMove   ErrorKind = "cyclic_move"
	TypeMismatch ErrorKind = "type_mismatch"
)

// StructuralError is returned when an operation does not fit the current tree
type StructuralError struct {
	Kind   ErrorKind
	Op     string
	Path   editorproto.Path
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %s at %v: %s", e.Kind, e.Op, []int(e.Path), e.Reason)
}

// Is matches any StructuralError of the same kind, so errors.Is(err, ErrCyclicMove) works
func (e *StructuralError) Is(target error) bool {
	t, ok := target.(*StructuralError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidPath  = &StructuralError{Kind: InvalidPath}
	ErrCyclicMove   = &StructuralError{Kind: CyclicMove}
	ErrTypeMismatch = &StructuralError{Kind: TypeMismatch}
)

func structural(kind ErrorKind, op editorproto.Operation, path editorproto.Path, format string, v ...any) error {
	return &StructuralError{Kind: kind, Op: op.Type, Path: path.Clone(), Reason: fmt.Sprintf(format, v...)}
}

// TranslationError describes one diff entry that could not be converted
type TranslationError struct {
	Diff   crdt.Diff
	Reason string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("cannot convert %s on %s (%s): %s", e.Diff.Action, e.Diff.Obj, e.Diff.Type, e.Reason)
}

// PartialError reports the entries a conversion skipped. The operations
// converted from the other entries are still returned alongside it.
type PartialError struct {
	Total   int
	Skipped []*TranslationError
}

func (e *PartialError) Error() string {
	reasons := make([]string, len(e.Skipped))
	for i, s := range e.Skipped {
		reasons[i] = s.Error()
	}
	return fmt.Sprintf("%d of %d diff entries skipped: %s", len(e.Skipped), e.Total, strings.Join(reasons, "; "))
}
