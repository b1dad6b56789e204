package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	calls     int
	failFirst bool
	closed    bool
}

func (s *stubExtractor) Extract(ctx context.Context, url string, forceRefresh bool) (StreamDescriptor, error) {
	s.calls++
	if s.failFirst && !forceRefresh {
		return StreamDescriptor{}, errors.New("transient failure")
	}
	return StreamDescriptor{DestinationURL: url, EndpointKind: EndpointHLSProxy}, nil
}

func (s *stubExtractor) Close() error {
	s.closed = true
	return nil
}

func TestSelect_FallsBackToGeneric(t *testing.T) {
	reg := NewRegistry()
	generic := &stubExtractor{}
	reg.RegisterFactory(GenericKey, func() Extractor { return generic })

	ex, err := reg.Select("https://unmapped.example/x", "")
	require.NoError(t, err)
	assert.Same(t, generic, ex)
}

func TestSelect_HostHintTakesPriority(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory(GenericKey, func() Extractor { return &stubExtractor{} })
	special := &stubExtractor{}
	reg.RegisterFactory("vavoo", func() Extractor { return special })

	ex, err := reg.Select("https://anything.example", "vavoo")
	require.NoError(t, err)
	assert.Same(t, special, ex)
}

func TestSelect_MemoizesInstance(t *testing.T) {
	reg := NewRegistry()
	calls := 0
	reg.RegisterFactory(GenericKey, func() Extractor {
		calls++
		return &stubExtractor{}
	})

	_, _ = reg.Select("https://a.example", "")
	_, _ = reg.Select("https://b.example", "")
	assert.Equal(t, 1, calls)
}

func TestExtract_RetriesOnceWithForceRefresh(t *testing.T) {
	ex := &stubExtractor{failFirst: true}
	desc, err := Extract(context.Background(), ex, "https://o.example/x")
	require.NoError(t, err)
	assert.Equal(t, "https://o.example/x", desc.DestinationURL)
	assert.Equal(t, 2, ex.calls)
}

func TestRegistryClose_ClosesAllInstances(t *testing.T) {
	reg := NewRegistry()
	inst := &stubExtractor{}
	reg.RegisterFactory(GenericKey, func() Extractor { return inst })
	_, _ = reg.Select("https://a.example", "")

	require.NoError(t, reg.Close())
	assert.True(t, inst.closed)
}
