package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis implements Queue on Redis lists. Each logical queue is a pending
// list plus an in-flight sorted set scored by redelivery deadline; Receive
// reaps expired in-flight entries back to pending before popping.
type Redis struct {
	client     *redis.Client
	visibility time.Duration
	poll       time.Duration
}

type redisEnvelope struct {
	ID           string          `json:"id"`
	Body         json.RawMessage `json:"body"`
	ReceiveCount int             `json:"receive_count"`
}

func NewRedis(addr string, db int, visibility time.Duration) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}),
		visibility: visibility,
		poll:       200 * time.Millisecond,
	}
}

func pendingKey(q string) string  { return "gemdex:queue:" + q }
func inflightKey(q string) string { return "gemdex:inflight:" + q }

func (r *Redis) Send(ctx context.Context, q string, body []byte) error {
	env := redisEnvelope{ID: uuid.NewString(), Body: body}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, pendingKey(q), data).Err()
}

// reap moves in-flight entries whose deadline passed back to pending with a
// bumped receive count. This is what makes unacked messages redeliverable.
func (r *Redis) reap(ctx context.Context, q string) error {
	now := float64(time.Now().UnixMilli())
	expired, err := r.client.ZRangeByScore(ctx, inflightKey(q), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', 0, 64), Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range expired {
		removed, err := r.client.ZRem(ctx, inflightKey(q), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another consumer reaped it first
		}
		var env redisEnvelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			continue
		}
		env.ReceiveCount++
		data, _ := json.Marshal(env)
		if err := r.client.LPush(ctx, pendingKey(q), data).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context, q string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := r.reap(ctx, q); err != nil {
			return nil, fmt.Errorf("reap %s: %w", q, err)
		}

		data, err := r.client.RPop(ctx, pendingKey(q)).Result()
		if err == nil {
			var env redisEnvelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				return nil, fmt.Errorf("malformed envelope on %s: %w", q, err)
			}
			score := float64(time.Now().Add(r.visibility).UnixMilli())
			if err := r.client.ZAdd(ctx, inflightKey(q), &redis.Z{Score: score, Member: data}).Err(); err != nil {
				return nil, err
			}
			return &Message{
				ID:           env.ID,
				Body:         env.Body,
				ReceiveCount: env.ReceiveCount + 1,
				receipt:      data,
			}, nil
		}
		if err != redis.Nil {
			return nil, err
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *Redis) Ack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	return r.client.ZRem(ctx, inflightKey(q), msg.receipt).Err()
}

func (r *Redis) Nack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	removed, err := r.client.ZRem(ctx, inflightKey(q), msg.receipt).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil // already reaped; redelivery is underway
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(msg.receipt), &env); err != nil {
		return err
	}
	env.ReceiveCount++
	data, _ := json.Marshal(env)
	return r.client.LPush(ctx, pendingKey(q), data).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
