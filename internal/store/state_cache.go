package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

// StateCache keeps the latest reading per device in Redis so status reads
// skip the database. Entries expire after a day; a cold cache just falls
// back to the repository.
type StateCache struct{ rdb *redis.Client }

func NewStateCache(rdb *redis.Client) *StateCache { return &StateCache{rdb: rdb} }

func stateKey(id uuid.UUID) string { return "thermostat:state:" + id.String() }

func (c *StateCache) Set(ctx context.Context, st *model.CurrentState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, stateKey(st.DeviceID), payload, 24*time.Hour).Err()
}

func (c *StateCache) Get(ctx context.Context, id uuid.UUID) (*model.CurrentState, error) {
	b, err := c.rdb.Get(ctx, stateKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st model.CurrentState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *StateCache) Delete(ctx context.Context, id uuid.UUID) error {
	return c.rdb.Del(ctx, stateKey(id)).Err()
}
