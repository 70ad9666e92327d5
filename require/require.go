package require

import "github.com/oceanlog/telemlog/assert"

// same as assert but stops the test on the first failure

// TestingT is an interface wrapper around *testing.T
type TestingT interface {
	Errorf(format string, args ...any)
	FailNow()
}

type tHelper interface {
	Helper()
}

func helper(t TestingT) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
}

// Len asserts that the specified object has specific length.
func Len(t TestingT, object any, length int, msgAndArgs ...any) {
	helper(t)
	if assert.Len(t, object, length, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// Nil asserts that the specified object is nil.
func Nil(t TestingT, object any, msgAndArgs ...any) {
	helper(t)
	if assert.Nil(t, object, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// NoError asserts that a function returned no error (i.e. `nil`).
//
//	actualObj, err := SomeFunction()
//	require.NoError(t, err)
func NoError(t TestingT, err error, msgAndArgs ...any) {
	helper(t)
	if assert.NoError(t, err, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// Error asserts that a function returned an error.
func Error(t TestingT, err error, msgAndArgs ...any) {
	helper(t)
	if assert.Error(t, err, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// ErrorIs asserts that target is in err's chain.
func ErrorIs(t TestingT, err, target error, msgAndArgs ...any) {
	helper(t)
	if assert.ErrorIs(t, err, target, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// NotEmpty asserts that the specified object is NOT empty.
func NotEmpty(t TestingT, object any, msgAndArgs ...any) {
	helper(t)
	if assert.NotEmpty(t, object, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// Equal asserts that two objects are equal.
//
// Pointer variable equality is determined based on the equality of the
// referenced values (as opposed to the memory addresses).
func Equal(t TestingT, expected any, actual any, msgAndArgs ...any) {
	helper(t)
	if assert.Equal(t, expected, actual, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// NotEqual asserts that the specified values are NOT equal.
func NotEqual(t TestingT, expected any, actual any, msgAndArgs ...any) {
	helper(t)
	if assert.NotEqual(t, expected, actual, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// NotNil asserts that the specified object is not nil.
func NotNil(t TestingT, object any, msgAndArgs ...any) {
	helper(t)
	if assert.NotNil(t, object, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// True asserts that the specified value is true.
func True(t TestingT, value bool, msgAndArgs ...any) {
	helper(t)
	if assert.True(t, value, msgAndArgs...) {
		return
	}
	t.FailNow()
}

// False asserts that the specified value is false.
func False(t TestingT, value bool, msgAndArgs ...any) {
	helper(t)
	if assert.False(t, value, msgAndArgs...) {
		return
	}
	t.FailNow()
}
