//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/StricklySoft/teamskills-gateway/internal/testutil/containers"
	"github.com/StricklySoft/teamskills-gateway/pkg/clients/redis"
	sserr "github.com/StricklySoft/teamskills-gateway/pkg/errors"
)

type RedisIntegrationSuite struct {
	suite.Suite

	ctx    context.Context
	result *containers.RedisResult
	client *redis.Client
}

func (s *RedisIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()

	result, err := containers.StartRedis(s.ctx)
	require.NoError(s.T(), err, "failed to start Redis container")
	s.result = result

	client, err := redis.NewClient(s.ctx, redis.Config{URI: result.ConnString})
	require.NoError(s.T(), err, "failed to create Redis client")
	s.client = client
}

func (s *RedisIntegrationSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.result != nil {
		if err := s.result.Container.Terminate(s.ctx); err != nil {
			s.T().Logf("failed to terminate redis container: %v", err)
		}
	}
}

func TestRedisIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIntegrationSuite))
}

func (s *RedisIntegrationSuite) TestHealth() {
	s.NoError(s.client.Health(s.ctx))
}

func (s *RedisIntegrationSuite) TestSetGet() {
	key := "it:setget"
	s.Require().NoError(s.client.Set(s.ctx, key, `{"keys":[]}`, time.Minute))

	got, err := s.client.Get(s.ctx, key)
	s.Require().NoError(err)
	s.Equal(`{"keys":[]}`, got)
}

func (s *RedisIntegrationSuite) TestGet_MissingKey() {
	_, err := s.client.Get(s.ctx, "it:missing")
	s.Require().Error(err)
	s.True(sserr.IsNotFound(err))
}

func (s *RedisIntegrationSuite) TestSet_Expires() {
	key := "it:expiring"
	s.Require().NoError(s.client.Set(s.ctx, key, "v", 50*time.Millisecond))

	assert.Eventually(s.T(), func() bool {
		_, err := s.client.Get(s.ctx, key)
		return sserr.IsNotFound(err)
	}, 5*time.Second, 50*time.Millisecond)
}

func (s *RedisIntegrationSuite) TestNewClient_Unreachable() {
	ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
	defer cancel()
	_, err := redis.NewClient(ctx, redis.Config{Host: "127.0.0.1", Port: 1, DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
	s.Require().Error(err)
	s.True(sserr.HasCode(err, sserr.CodeUnavailableDependency))
}
