package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"flowgate.io/flowgate/internal/config"
)

func TestBootstrapFailsFastOnMissingWorkflows(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Workflows.Path = "/nonexistent/workflows.yaml"

	_, err = Bootstrap(context.Background(), cfg, Options{ReadOnly: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "load workflows")
}
