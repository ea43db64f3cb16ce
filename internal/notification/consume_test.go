package notification

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConsumer_SetupAcrossSessions(t *testing.T) {
	t.Parallel()

	consumer := NewConsumer(NewLogSender(zap.NewNop()), zap.NewNop())

	require.NoError(t, consumer.Setup(nil))
	select {
	case <-consumer.Ready():
	default:
		t.Fatal("Ready not closed after Setup")
	}

	// a rebalance ends the session; after Reset the next Setup must not panic
	consumer.Reset()
	select {
	case <-consumer.Ready():
		t.Fatal("Ready closed before the new session")
	default:
	}
	require.NoError(t, consumer.Setup(nil))
	select {
	case <-consumer.Ready():
	default:
		t.Fatal("Ready not closed after second Setup")
	}
}
