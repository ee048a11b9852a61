package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRegistry(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		r := NewHandlerRegistry()
		assert.Empty(t, r.Names())
		assert.Nil(t, r.Get("darkroom.develop"))
		assert.False(t, r.Has("darkroom.develop"))
	})

	t.Run("register and look up", func(t *testing.T) {
		r := NewHandlerRegistry()
		develop := &recordingHandler{name: "darkroom.develop"}
		printer := &recordingHandler{name: "darkroom.print"}
		r.Register(printer)
		r.Register(develop)

		assert.Same(t, develop, r.Get("darkroom.develop"))
		assert.True(t, r.Has("darkroom.print"))
		assert.Equal(t, []string{"darkroom.develop", "darkroom.print"}, r.Names())
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		r := NewHandlerRegistry()
		r.Register(&recordingHandler{name: "darkroom.develop"})
		assert.Panics(t, func() {
			r.Register(&recordingHandler{name: "darkroom.develop"})
		})
	})
}

func TestRegistryExecutor(t *testing.T) {
	r := NewHandlerRegistry()
	develop := &recordingHandler{name: "darkroom.develop"}
	r.Register(develop)
	exec := NewRegistryExecutor(r)

	require.NoError(t, exec.Execute(context.Background(), &Job{ID: "j1", HandlerName: "darkroom.develop"}))
	assert.Equal(t, 1, develop.calls())

	err := exec.Execute(context.Background(), &Job{ID: "j2", HandlerName: "darkroom.frame"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "darkroom.frame")

	err = exec.Execute(context.Background(), &Job{ID: "j3"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
