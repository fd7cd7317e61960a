package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisURL = "redis://" + mr.Addr()

	client, err := NewRedisClient(context.Background(), cfg)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := NewRedisClient(context.Background(), Config{RedisURL: "://nope"})
	assert.ErrorContains(t, err, "invalid redis URL")
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), Config{RedisURL: "redis://" + addr, RedisDB: -1})
	assert.ErrorContains(t, err, "failed to connect to redis")
}

func TestNewS3Client(t *testing.T) {
	cfg := DefaultConfig()
	cfg.S3Endpoint = "http://localhost:9000"
	cfg.S3AccessKey = "minio"
	cfg.S3SecretKey = "minio123"
	cfg.S3UsePathStyle = true

	client, err := NewS3Client(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.True(t, client.Options().UsePathStyle)
	assert.Equal(t, "http://localhost:9000", *client.Options().BaseEndpoint)
}
