package doptest

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dorepo/dop/dop"
)

func TestNewPair(t *testing.T) {
	m := dop.NewServeMux()
	m.HandleFunc("0.NA/hello", func(resp dop.Responder, req *dop.Request) {
		io.WriteString(resp, "Hello "+req.CallerID)
	})
	log := zaptest.NewLogger(t)
	cfg := dop.DefaultClientConfig()
	cfg.Logger = log
	p, err := NewPair(m, dop.ServerConfig{Logger: log}, cfg)
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, p.Client.Encrypted())
	assert.Equal(t, ServerID, p.Client.Server().ServerID)

	ch, err := p.Client.PerformOperation(context.Background(), "0.NA/obj", "0.NA/hello", nil)
	require.NoError(t, err)
	defer ch.Close()
	ch.CloseWrite()
	b, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello 1037/anon", string(b))
}
