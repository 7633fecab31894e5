// Package redisstore implements model.Storage on top of Redis, for
// deployments that need delivery state to survive a worker restart.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/posthorn/posthorn/internal/model"
)

const (
	emailKeyPrefix  = "posthorn:email:"
	statusKeyPrefix = "posthorn:status:"
	recentSetKey    = "posthorn:recent"
	incompleteSetKey = "posthorn:incomplete"
)

// Store is a model.Storage backed by a Redis client.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Store(email model.PreparedEmail, status model.InternalMessageStatus) error {
	ctx := context.Background()
	emailJSON, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("redisstore: marshalling email: %w", err)
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redisstore: marshalling status: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, emailKeyPrefix+status.MessageID, emailJSON, 0)
	pipe.Set(ctx, statusKeyPrefix+status.MessageID, statusJSON, 0)
	pipe.SAdd(ctx, recentSetKey, status.MessageID)
	if status.AttemptsRemaining > 0 {
		pipe.SAdd(ctx, incompleteSetKey, status.MessageID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: storing %s: %w", status.MessageID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(status model.InternalMessageStatus) error {
	ctx := context.Background()
	exists, err := s.rdb.Exists(ctx, statusKeyPrefix+status.MessageID).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return model.ErrNotFound
	}

	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redisstore: marshalling status: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, statusKeyPrefix+status.MessageID, statusJSON, 0)
	if status.AttemptsRemaining > 0 {
		pipe.SAdd(ctx, incompleteSetKey, status.MessageID)
	} else {
		pipe.SRem(ctx, incompleteSetKey, status.MessageID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Retrieve(messageID string) (model.PreparedEmail, model.InternalMessageStatus, error) {
	ctx := context.Background()
	emailJSON, err := s.rdb.Get(ctx, emailKeyPrefix+messageID).Bytes()
	if err == redis.Nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, model.ErrNotFound
	}
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, err
	}
	status, err := s.RetrieveStatus(messageID)
	if err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, err
	}
	var email model.PreparedEmail
	if err := json.Unmarshal(emailJSON, &email); err != nil {
		return model.PreparedEmail{}, model.InternalMessageStatus{}, fmt.Errorf("redisstore: unmarshalling email: %w", err)
	}
	return email, status, nil
}

func (s *Store) RetrieveStatus(messageID string) (model.InternalMessageStatus, error) {
	ctx := context.Background()
	statusJSON, err := s.rdb.Get(ctx, statusKeyPrefix+messageID).Bytes()
	if err == redis.Nil {
		return model.InternalMessageStatus{}, model.ErrNotFound
	}
	if err != nil {
		return model.InternalMessageStatus{}, err
	}
	var status model.InternalMessageStatus
	if err := json.Unmarshal(statusJSON, &status); err != nil {
		return model.InternalMessageStatus{}, fmt.Errorf("redisstore: unmarshalling status: %w", err)
	}
	return status, nil
}

func (s *Store) RetrieveAllIncomplete() ([]model.InternalMessageStatus, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, incompleteSetKey).Result()
	if err != nil {
		return nil, err
	}
	return s.statusesFor(ctx, ids)
}

func (s *Store) RetrieveAllRecent() ([]model.InternalMessageStatus, error) {
	ctx := context.Background()
	ids, err := s.rdb.SMembers(ctx, recentSetKey).Result()
	if err != nil {
		return nil, err
	}
	statuses, err := s.statusesFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.AttemptsRemaining == 0 {
			s.rdb.SRem(ctx, recentSetKey, st.MessageID)
		}
	}
	return statuses, nil
}

func (s *Store) statusesFor(ctx context.Context, ids []string) ([]model.InternalMessageStatus, error) {
	out := make([]model.InternalMessageStatus, 0, len(ids))
	for _, id := range ids {
		status, err := s.RetrieveStatus(id)
		if err == model.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, status)
	}
	return out, nil
}

var _ model.Storage = (*Store)(nil)
