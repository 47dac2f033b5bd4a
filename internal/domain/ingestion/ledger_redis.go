package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ehr/hl7ingest/internal/domain/clinical"
)

// Each key is a hash with fields state, token and entry. token is
// "<batch>:<index>" of the holder; entry is the LedgerEntry as JSON.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.call('HGET', KEYS[1], 'entry')
end
redis.call('HSET', KEYS[1], 'state', 'reserved', 'token', ARGV[1], 'entry', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return false
`)

	commitScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'committed', 'entry', ARGV[2])
redis.call('PERSIST', KEYS[1])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] and redis.call('HGET', KEYS[1], 'state') == 'reserved' then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// RedisLedger keeps entries in Redis hashes. Reservations carry a TTL;
// committing removes it.
type RedisLedger struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	nowFunc func() time.Time
}

func NewRedisLedger(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "hl7:ledger:"
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl, nowFunc: time.Now}
}

func (l *RedisLedger) key(k LedgerKey) string {
	return l.prefix + url.QueryEscape(k.SourceSystem) + ":" + url.QueryEscape(k.ControlID)
}

func token(ref IngestionRef) string {
	return ref.BatchID.String() + ":" + strconv.Itoa(ref.MessageIndex)
}

func (l *RedisLedger) CheckAndReserve(ctx context.Context, key LedgerKey, ref IngestionRef) (Reservation, error) {
	entry := LedgerEntry{Key: key, State: LedgerReserved, Ref: ref, ReservedAt: l.nowFunc().UTC()}
	body, err := json.Marshal(entry)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: encode entry: %w", err)
	}

	res, err := reserveScript.Run(ctx, l.client, []string{l.key(key)}, token(ref), body, l.ttl.Milliseconds()).Text()
	if errors.Is(err, redis.Nil) {
		return Reservation{Fresh: true}, nil
	}
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: reserve: %w", err)
	}

	var existing LedgerEntry
	if err := json.Unmarshal([]byte(res), &existing); err != nil {
		return Reservation{}, fmt.Errorf("ledger: decode entry: %w", err)
	}
	return Reservation{Original: &existing}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, key LedgerKey, ref IngestionRef, resources []clinical.RecordRef) error {
	entry, err := l.Lookup(ctx, key)
	if errors.Is(err, ErrNoEntry) {
		return ErrReservationLost
	}
	if err != nil {
		return err
	}
	if entry.Ref != ref {
		return ErrReservationLost
	}

	now := l.nowFunc().UTC()
	entry.State = LedgerCommitted
	entry.Resources = resources
	entry.CommittedAt = &now
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: encode entry: %w", err)
	}

	ok, err := commitScript.Run(ctx, l.client, []string{l.key(key)}, token(ref), body).Int()
	if err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	if ok == 0 {
		return ErrReservationLost
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key LedgerKey, ref IngestionRef) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token(ref)).Err(); err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

func (l *RedisLedger) Lookup(ctx context.Context, key LedgerKey) (*LedgerEntry, error) {
	body, err := l.client.HGet(ctx, l.key(key), "entry").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEntry
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: lookup: %w", err)
	}
	var entry LedgerEntry
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return nil, fmt.Errorf("ledger: decode entry: %w", err)
	}
	return &entry, nil
}

func (l *RedisLedger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ledger: ping: %w", err)
	}
	return nil
}
