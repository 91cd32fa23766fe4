package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedServer_CreatesStreamsAndBucket(t *testing.T) {
	es, err := NewEmbeddedServer(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer es.Shutdown()

	ctx := context.Background()
	js := es.JetStream()

	for _, name := range []string{StreamAlerts, StreamAudit} {
		stream, err := js.Stream(ctx, name)
		require.NoError(t, err, name)
		info, err := stream.Info(ctx)
		require.NoError(t, err)
		assert.Equal(t, name, info.Config.Name)
	}

	_, err = es.RulesBucket(ctx)
	require.NoError(t, err)

	ack, err := js.Publish(ctx, AlertSubject("alert-created"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StreamAlerts, ack.Stream)

	ack, err = js.Publish(ctx, AuditSubject("alert.created"), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StreamAudit, ack.Stream)
}
