package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct {
	name string
	log  *[]string
	err  error
}

func (c *closer) Close() error {
	*c.log = append(*c.log, c.name)
	return c.err
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("answer", 42))
	assert.ErrorIs(t, r.Register("answer", 43), ErrDuplicate)
	assert.Error(t, r.Register("", 1))

	v, ok := r.Get("answer")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	n, err := Lookup[int](r, "answer")
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = Lookup[string](r, "answer")
	assert.ErrorIs(t, err, ErrType)
	_, err = Lookup[int](r, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Panics(t, func() { r.MustRegister("answer", 0) })
}

func TestNamesSorted(t *testing.T) {
	r := New()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		r.MustRegister(n, n)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}

func TestCloseReverseOrderJoinsErrors(t *testing.T) {
	var closed []string
	boom := errors.New("boom")
	r := New()
	r.MustRegister("db", &closer{name: "db", log: &closed})
	r.MustRegister("config", "not a closer")
	r.MustRegister("cache", &closer{name: "cache", log: &closed, err: boom})
	r.MustRegister("bus", &closer{name: "bus", log: &closed})

	err := r.Close()
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close cache")
	assert.Equal(t, []string{"bus", "cache", "db"}, closed)
	assert.Empty(t, r.Names())
	assert.NoError(t, r.Close())
}

func TestConcurrentRegister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(fmt.Sprintf("svc-%02d", i), i)
			r.Names()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Names(), 32)
}
