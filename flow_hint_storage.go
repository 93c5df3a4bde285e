package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-checkin-verifier/models"

	"github.com/redis/go-redis/v9"
)

// Should be safe to use concurrently.
// Remembers the flow type chosen at consent for a session token, so a
// reload without ?flow= still renders the right flow.
type FlowHintStorage interface {
	// Overwrites any hint already stored for the token.
	StoreFlowHint(sessionToken string, flow models.FlowType) error

	// Returns an error when no hint is stored.
	RetrieveFlowHint(sessionToken string) (models.FlowType, error)

	// A missing hint is not an error.
	RemoveFlowHint(sessionToken string) error
}

type InMemoryFlowHintStorage struct {
	hints map[string]models.FlowType
	mutex sync.Mutex
}

func NewInMemoryFlowHintStorage() *InMemoryFlowHintStorage {
	return &InMemoryFlowHintStorage{
		hints: make(map[string]models.FlowType),
	}
}

type RedisFlowHintStorage struct {
	client    *redis.Client
	namespace string
}

func NewRedisFlowHintStorage(client *redis.Client, namespace string) *RedisFlowHintStorage {
	return &RedisFlowHintStorage{client: client, namespace: namespace}
}

// ------------------------------------------------------------------------------

func createFlowKey(namespace, sessionToken string) string {
	return fmt.Sprintf("%s:flow:%s", namespace, sessionToken)
}

const FlowHintTimeout time.Duration = 24 * time.Hour

const redisTimeout = 2 * time.Second

func (s *RedisFlowHintStorage) StoreFlowHint(sessionToken string, flow models.FlowType) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.client.Set(ctx, createFlowKey(s.namespace, sessionToken), string(flow), FlowHintTimeout).Err()
}

func (s *RedisFlowHintStorage) RetrieveFlowHint(sessionToken string) (models.FlowType, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	v, err := s.client.Get(ctx, createFlowKey(s.namespace, sessionToken)).Result()
	if err != nil {
		return "", err
	}
	flow, ok := models.ParseFlowType(v)
	if !ok {
		return "", fmt.Errorf("stored flow hint %q is not a flow type", v)
	}
	return flow, nil
}

func (s *RedisFlowHintStorage) RemoveFlowHint(sessionToken string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	return s.client.Del(ctx, createFlowKey(s.namespace, sessionToken)).Err()
}

// ------------------------------------------------------------------------------

func (s *InMemoryFlowHintStorage) StoreFlowHint(sessionToken string, flow models.FlowType) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.hints[sessionToken] = flow
	return nil
}

func (s *InMemoryFlowHintStorage) RetrieveFlowHint(sessionToken string) (models.FlowType, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if flow, ok := s.hints[sessionToken]; ok {
		return flow, nil
	}
	return "", fmt.Errorf("no flow hint for %s", sessionToken)
}

func (s *InMemoryFlowHintStorage) RemoveFlowHint(sessionToken string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.hints, sessionToken)
	return nil
}
