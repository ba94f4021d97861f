package bus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatchFansOutInRegistrationOrder(t *testing.T) {
	b := New[string](nil)

	var order []string
	b.Register("open", func(p string) { order = append(order, "a:"+p) })
	b.Register("open", func(p string) { order = append(order, "b:"+p) })
	b.Register("close", func(p string) { order = append(order, "c:"+p) })

	b.Dispatch("open", "x")

	assert.Equal(t, []string{"a:x", "b:x"}, order)
}

func TestDispatchToUnknownNameIsNoop(t *testing.T) {
	b := New[int](nil)
	assert.NotPanics(t, func() { b.Dispatch("nothing", 1) })
}

func TestDuplicateRegistrationFansOutTwice(t *testing.T) {
	b := New[int](nil)
	count := 0
	listener := func(int) { count++ }
	b.Register("n", listener)
	b.Register("n", listener)

	b.Dispatch("n", 0)

	assert.Equal(t, 2, count)
}

func TestListenerPanicIsRecoveredAndReported(t *testing.T) {
	var reported error
	b := New[int](func(name string, err error) { reported = err })

	ran := false
	b.Register("n", func(int) { panic("boom") })
	b.Register("n", func(int) { ran = true })

	assert.NotPanics(t, func() { b.Dispatch("n", 1) })
	assert.True(t, ran, "later listeners still run after an earlier panic")
	assert.Error(t, reported)
}

func TestDispatchWithoutPanicHandlerPropagates(t *testing.T) {
	b := New[int](nil)
	b.Register("n", func(int) { panic(errors.New("boom")) })
	assert.Panics(t, func() { b.Dispatch("n", 1) })
}
