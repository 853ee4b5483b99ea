package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Queue on the app.queue_messages table. Redelivery is
// driven entirely by visible_at: receiving pushes it past the visibility
// timeout, acking deletes the row, nacking (or timing out) makes it ready
// again. SKIP LOCKED keeps concurrent consumers off the same row.
type Postgres struct {
	db         *pgxpool.Pool
	visibility time.Duration
	poll       time.Duration
}

func NewPostgres(db *pgxpool.Pool, visibility time.Duration) *Postgres {
	return &Postgres{db: db, visibility: visibility, poll: 250 * time.Millisecond}
}

func (p *Postgres) Send(ctx context.Context, q string, body []byte) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO app.queue_messages (queue, body, visible_at)
		VALUES ($1, $2, NOW())`,
		q, body,
	)
	return err
}

func (p *Postgres) Receive(ctx context.Context, q string, wait time.Duration) (*Message, error) {
	deadline := time.Now().Add(wait)
	for {
		var (
			id           int64
			body         []byte
			receiveCount int
		)
		err := p.db.QueryRow(ctx, `
			UPDATE app.queue_messages
			SET in_flight = TRUE,
			    receive_count = receive_count + 1,
			    visible_at = NOW() + $2::interval
			WHERE id = (
				SELECT id FROM app.queue_messages
				WHERE queue = $1 AND visible_at <= NOW()
				ORDER BY id
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			RETURNING id, body, receive_count`,
			q, p.visibility.String(),
		).Scan(&id, &body, &receiveCount)

		if err == nil {
			return &Message{
				ID:           strconv.FormatInt(id, 10),
				Body:         body,
				ReceiveCount: receiveCount,
				receipt:      strconv.FormatInt(id, 10),
			}, nil
		}
		if err != pgx.ErrNoRows {
			return nil, err
		}

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

func (p *Postgres) Ack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	_, err := p.db.Exec(ctx,
		`DELETE FROM app.queue_messages WHERE id = $1 AND queue = $2`,
		msg.receipt, q,
	)
	return err
}

func (p *Postgres) Nack(ctx context.Context, q string, msg *Message) error {
	if msg == nil {
		return nil
	}
	_, err := p.db.Exec(ctx, `
		UPDATE app.queue_messages
		SET in_flight = FALSE, visible_at = NOW()
		WHERE id = $1 AND queue = $2`,
		msg.receipt, q,
	)
	return err
}

// Close is a no-op; the pool is owned by the repository.
func (p *Postgres) Close() error { return nil }
