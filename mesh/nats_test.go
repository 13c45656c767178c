package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/natsclient"
)

func TestNATSConn_NotReady(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	conn := NewNATSConn(client, NATSConfig{})
	assert.Equal(t, "dbusbridge", conn.cfg.Bucket)
	assert.Equal(t, "dbusbridge.write", conn.cfg.WritePrefix)

	_, err = conn.Publish(context.Background(), "a", Null())
	assert.ErrorIs(t, err, errors.ErrMeshDisconnected)
	assert.ErrorIs(t, conn.Purge(context.Background(), "a"), errors.ErrMeshDisconnected)
}

func TestNATSConn_LostRearm(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)
	conn := NewNATSConn(client, NATSConfig{})

	lost := conn.Lost()
	select {
	case <-lost:
		t.Fatal("lost before any disconnect")
	default:
	}

	conn.onHealth(false)
	conn.onHealth(false)
	<-lost

	conn.onHealth(true)
	assert.Equal(t, lost, conn.Lost())
}

func TestNATSConn_RespondWithoutRequestID(t *testing.T) {
	client, err := natsclient.NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)
	conn := NewNATSConn(client, NATSConfig{})

	assert.NoError(t, conn.Respond(context.Background(), "", Int(1), nil))
	assert.ErrorIs(t, conn.Respond(context.Background(), "_INBOX.x", Int(1), nil), natsclient.ErrNotConnected)
}
