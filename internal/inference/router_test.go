package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nlpkit/internal/logger"
	"nlpkit/internal/pipeline"
)

func namedProvider(name string, err error) pipeline.Provider {
	return pipeline.ProviderFunc(func(context.Context, pipeline.Key) (pipeline.Engine, error) {
		if err != nil {
			return nil, err
		}
		return pipeline.EngineFunc(func(context.Context, pipeline.Input) (pipeline.Output, error) {
			return pipeline.Output{Text: name}, nil
		}), nil
	})
}

func runName(t *testing.T, e pipeline.Engine) string {
	t.Helper()
	out, err := e.Run(context.Background(), pipeline.Input{})
	require.NoError(t, err)
	return out.Text
}

func TestRouter(t *testing.T) {
	ctx := context.Background()

	t.Run("Should route by pipeline kind", func(t *testing.T) {
		r := NewRouter(namedProvider("remote", nil), logger.Nop()).
			Route(namedProvider("onnx", nil), pipeline.KindNER, pipeline.KindQA)
		e, err := r.Load(ctx, pipeline.Key{Pipeline: pipeline.KindNER, Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, "onnx", runName(t, e))

		e, err = r.Load(ctx, pipeline.Key{Pipeline: pipeline.KindTranslation, Model: "m"})
		require.NoError(t, err)
		assert.Equal(t, "remote", runName(t, e))
	})

	t.Run("Should fall back when the model is not installed", func(t *testing.T) {
		declined := fmt.Errorf("%w: dbmdz/ner", ErrModelNotInstalled)
		r := NewRouter(namedProvider("remote", nil), logger.Nop()).Route(namedProvider("onnx", declined), pipeline.KindNER)
		e, err := r.Load(ctx, pipeline.Key{Pipeline: pipeline.KindNER, Model: "dbmdz/ner"})
		require.NoError(t, err)
		assert.Equal(t, "remote", runName(t, e))
	})

	t.Run("Should not hide real load failures", func(t *testing.T) {
		broken := errors.New("corrupt model file")
		r := NewRouter(namedProvider("remote", nil), logger.Nop()).Route(namedProvider("onnx", broken), pipeline.KindNER)
		_, err := r.Load(ctx, pipeline.Key{Pipeline: pipeline.KindNER, Model: "m"})
		assert.ErrorIs(t, err, broken)
	})

	t.Run("Should reject unrouted kinds without a fallback", func(t *testing.T) {
		r := NewRouter(nil, logger.Nop())
		_, err := r.Load(ctx, pipeline.Key{Pipeline: pipeline.KindSentiment, Model: "m"})
		assert.ErrorIs(t, err, ErrUnsupportedPipeline)
	})
}
