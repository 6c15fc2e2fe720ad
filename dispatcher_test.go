package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherResolveFirstMatchWins(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Handle("/sensors/*", HandlerSet{
		Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent, Payload: []byte("wildcard")} },
	}))
	require.NoError(t, d.Handle("/sensors/temp", HandlerSet{
		Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent, Payload: []byte("exact")} },
	}))

	path, _ := ParsePathString("/sensors/temp")
	handlers, err := d.Resolve(path)
	require.NoError(t, err)
	resp := handlers.Get(path)
	assert.Equal(t, []byte("wildcard"), resp.Payload, "earlier-registered pattern must win")
}

func TestDispatcherResolveNoMatch(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Resolve(Path{})
	assert.ErrorIs(t, err, ErrNoHandlerForPath)
}

func TestDispatcherHandleAllAggregatesErrors(t *testing.T) {
	d := NewDispatcher()
	err := d.HandleAll([]RouteSpec{
		{Pattern: "/ok", Handlers: HandlerSet{Get: func(path Path) RestResponse { return RestResponse{} }}},
	})
	assert.NoError(t, err)

	tooLong := string(make([]byte, 256))
	mixed := NewDispatcher()
	err = mixed.HandleAll([]RouteSpec{
		{Pattern: "/ok", Handlers: HandlerSet{Get: func(path Path) RestResponse { return RestResponse{} }}},
		{Pattern: "/" + tooLong, Handlers: HandlerSet{Get: func(path Path) RestResponse { return RestResponse{} }}},
	})
	require.Error(t, err)

	path, _ := ParsePathString("/ok")
	handlers, resolveErr := mixed.Resolve(path)
	require.NoError(t, resolveErr)
	assert.NotNil(t, handlers.Get, "the valid pattern must still have registered despite the bad one")
}

func TestDispatcherHandleAllPreservesRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	err := d.HandleAll([]RouteSpec{
		{Pattern: "/a/*", Handlers: HandlerSet{
			Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent, Payload: []byte("wildcard")} },
		}},
		{Pattern: "/a/b", Handlers: HandlerSet{
			Get: func(path Path) RestResponse { return RestResponse{Code: CodeContent, Payload: []byte("exact")} },
		}},
	})
	require.NoError(t, err)

	path, _ := ParsePathString("/a/b")
	handlers, resolveErr := d.Resolve(path)
	require.NoError(t, resolveErr)
	resp := handlers.Get(path)
	assert.Equal(t, []byte("wildcard"), resp.Payload, "HandleAll must register overlapping patterns in slice order, not map iteration order")
}
