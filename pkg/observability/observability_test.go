package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// all recording paths must be safe no-ops
	p.RecordCycle(ctx, "compliance-check", true, 12*time.Millisecond)
	p.RecordError(ctx, errors.New("boom"))
	p.RecordDeviation(ctx, "repetition", "low")
	p.RecordProposal(ctx)

	_, span := p.StartSpan(ctx, "cycle.run")
	span.End()

	assert.NoError(t, p.Shutdown(ctx))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "lawcycle", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}
