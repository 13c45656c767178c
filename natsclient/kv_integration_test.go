//go:build integration

package natsclient

import (
	"context"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Lifecycle(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("values"), WithFastStartup())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "values"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)
	assert.Equal(t, "values", kv.Bucket())

	rev, err := kv.Put(ctx, "local/dbus/com.example.Clock/Clock/Time", []byte(`1`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "local/dbus/com.example.Clock/Clock/Time")
	require.NoError(t, err)
	assert.Equal(t, []byte(`1`), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	rev2, err := kv.Put(ctx, "local/dbus/com.example.Clock/Clock/Time", []byte(`2`))
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	require.NoError(t, kv.Delete(ctx, "local/dbus/com.example.Clock/Clock/Time"))
	_, err = kv.Get(ctx, "local/dbus/com.example.Clock/Clock/Time")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestKVStore_KeysAndPurge(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("values"), WithFastStartup())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "values"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	keys, err := kv.Keys(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, k := range []string{"root/a/X", "root/a/Y", "other/b"} {
		_, err := kv.Put(ctx, k, []byte(`null`))
		require.NoError(t, err)
	}

	keys, err = kv.Keys(ctx, func(k string) bool { return strings.HasPrefix(k, "root/") })
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"root/a/X", "root/a/Y"}, keys)

	for _, k := range keys {
		require.NoError(t, kv.Purge(ctx, k))
	}
	keys, err = kv.Keys(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"other/b"}, keys)
}

func TestKVStore_ValueTooLarge(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("values"), WithFastStartup())
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "values"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxValueSize = 4 })

	_, err = kv.Put(ctx, "k", []byte("12345"))
	assert.ErrorIs(t, err, ErrKVValueTooLarge)
}

func TestClient_SubscribeRequest(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := tc.Client.Subscribe(ctx, "write.>", func(_ context.Context, msg *nats.Msg) {
		_ = msg.Respond(append([]byte("echo:"), msg.Data...))
	})
	require.NoError(t, err)
	assert.Equal(t, "write.>", sub.Subject())

	reply, err := tc.Client.Request(ctx, "write.root.a", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(reply.Data))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	_, err = tc.Client.Request(ctx, "write.root.a", []byte("hi"))
	assert.Error(t, err)
}

func TestClient_CreateBucketTwice(t *testing.T) {
	tc := NewTestClient(t, WithJetStream(), WithFastStartup())
	ctx := context.Background()

	_, err := tc.CreateKVBucket(ctx, "values")
	require.NoError(t, err)
	_, err = tc.CreateKVBucket(ctx, "values")
	require.NoError(t, err)
}
