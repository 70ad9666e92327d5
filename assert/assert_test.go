package assert

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type mockT struct {
	failed bool
	msg    string
}

func (m *mockT) Errorf(format string, args ...any) {
	m.failed = true
	m.msg = fmt.Sprintf(format, args...)
}

type point struct {
	X, Y int
}

func TestEqual(t *testing.T) {
	m := &mockT{}
	True(t, Equal(m, 1, 1))
	True(t, Equal(m, []byte(nil), []byte{}))
	True(t, Equal(m, &point{1, 2}, &point{1, 2}))
	False(t, m.failed)

	False(t, Equal(m, point{1, 2}, point{1, 3}))
	True(t, m.failed)
	True(t, strings.Contains(m.msg, "Diff:"), "got: %s", m.msg)
}

func TestNilAndErrors(t *testing.T) {
	m := &mockT{}
	var p *point
	True(t, Nil(m, p))
	True(t, NotNil(m, &point{}))
	True(t, NoError(m, nil))
	errBase := errors.New("base")
	err := fmt.Errorf("wrapped: %w", errBase)
	True(t, Error(m, err))
	True(t, ErrorIs(m, err, errBase))
	False(t, m.failed)

	False(t, NoError(m, err))
	True(t, m.failed)
}

func TestLenAndEmpty(t *testing.T) {
	m := &mockT{}
	True(t, Len(m, []int{1, 2, 3}, 3))
	True(t, NotEmpty(m, "x"))
	False(t, m.failed)
	False(t, Len(m, "ab", 3))
	False(t, NotEmpty(m, []int{}))
}
