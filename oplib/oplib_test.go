package oplib

import (
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/parambench/egreplay/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLibrary struct {
	config string
}

func (l *fakeLibrary) Name() string        { return "fake" }
func (l *fakeLibrary) Description() string { return "registry test double" }
func (l *fakeLibrary) Compile(opName, signature string) (Callable, int, error) {
	return nil, 0, nil
}
func (l *fakeLibrary) Transfer(t *tensors.Tensor, toDevice bool) {}
func (l *fakeLibrary) AllocatedMemory() uint64                   { return 0 }
func (l *fakeLibrary) ReservedMemory() uint64                    { return 0 }
func (l *fakeLibrary) NewEvent() Event                           { return fakeEvent{} }
func (l *fakeLibrary) Synchronize()                              {}
func (l *fakeLibrary) Finalize()                                 {}

type fakeEvent struct{}

func (fakeEvent) Record()                         {}
func (fakeEvent) Elapsed(end Event) time.Duration { return 0 }

func init() {
	Register("fake", func(config string) Library {
		return &fakeLibrary{config: config}
	})
}

func TestNewWithConfig(t *testing.T) {
	lib := NewWithConfig("fake:some-option")
	require.Equal(t, "fake", lib.Name())
	assert.Equal(t, "some-option", lib.(*fakeLibrary).config)

	// A bare name selects the library with an empty configuration.
	lib = NewWithConfig("fake")
	assert.Empty(t, lib.(*fakeLibrary).config)

	// Empty config falls back to the first registered library.
	lib = NewWithConfig("")
	assert.Equal(t, "fake", lib.Name())

	err := exceptions.TryCatch[error](func() { NewWithConfig("no-such-library") })
	require.ErrorContains(t, err, "no-such-library")
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv(EGREPLAY_BACKEND, "fake:from-env")
	lib := New()
	require.Equal(t, "fake", lib.Name())
	assert.Equal(t, "from-env", lib.(*fakeLibrary).config)
}
