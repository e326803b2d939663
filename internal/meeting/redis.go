package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wilsonzlin/meshmeet/internal/mesh"
	"github.com/wilsonzlin/meshmeet/internal/signaling"
)

const defaultRedisPrefix = "meshmeet"

// ConnectRedis opens a client and checks the connection.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

type RedisStoreConfig struct {
	// Prefix namespaces every key. Defaults to "meshmeet".
	Prefix     string
	MailboxTTL time.Duration
}

// RedisStore shares rosters and mailboxes between meeting server replicas.
//
// Keys, per meeting m:
//
//	<prefix>:meetings             set of meeting IDs with participants
//	<prefix>:m:<m>:roster         hash peer ID -> display name
//	<prefix>:m:<m>:seen           sorted set peer ID -> last seen (unix ms)
//	<prefix>:m:<m>:mailbox:<id>   list of queued signals, oldest first
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	mailboxTTL time.Duration
}

func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: cfg.Prefix, mailboxTTL: cfg.MailboxTTL}
}

type redisEnvelope struct {
	At  int64                   `json:"at"`
	Msg signaling.SignalMessage `json:"msg"`
}

func (s *RedisStore) meetingsKey() string { return s.prefix + ":meetings" }

func (s *RedisStore) rosterKey(m string) string { return s.prefix + ":m:" + m + ":roster" }

func (s *RedisStore) seenKey(m string) string { return s.prefix + ":m:" + m + ":seen" }

func (s *RedisStore) mailboxKey(m string, id mesh.PeerID) string {
	return s.prefix + ":m:" + m + ":mailbox:" + id.String()
}

func (s *RedisStore) Join(ctx context.Context, meetingID string, p mesh.Participant, now time.Time) (bool, error) {
	var added *redis.IntCmd
	var addedNX *redis.BoolCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.DisplayName != "" {
			added = pipe.HSet(ctx, s.rosterKey(meetingID), p.ID.String(), p.DisplayName)
		} else {
			addedNX = pipe.HSetNX(ctx, s.rosterKey(meetingID), p.ID.String(), "")
		}
		pipe.ZAdd(ctx, s.seenKey(meetingID), redis.Z{Score: float64(now.UnixMilli()), Member: p.ID.String()})
		pipe.SAdd(ctx, s.meetingsKey(), meetingID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis join: %w", err)
	}
	if added != nil {
		return added.Val() == 1, nil
	}
	return addedNX.Val(), nil
}

func (s *RedisStore) Leave(ctx context.Context, meetingID string, id mesh.PeerID) (bool, error) {
	removed, err := s.remove(ctx, meetingID, id)
	if err != nil {
		return false, err
	}
	return removed, s.forgetIfEmpty(ctx, meetingID)
}

func (s *RedisStore) remove(ctx context.Context, meetingID string, id mesh.PeerID) (bool, error) {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.rosterKey(meetingID), id.String())
		pipe.ZRem(ctx, s.seenKey(meetingID), id.String())
		pipe.Del(ctx, s.mailboxKey(meetingID, id))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis leave: %w", err)
	}
	return del.Val() == 1, nil
}

func (s *RedisStore) forgetIfEmpty(ctx context.Context, meetingID string) error {
	n, err := s.client.HLen(ctx, s.rosterKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("redis roster size: %w", err)
	}
	if n == 0 {
		if err := s.client.SRem(ctx, s.meetingsKey(), meetingID).Err(); err != nil {
			return fmt.Errorf("redis forget meeting: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, meetingID string, id mesh.PeerID, now time.Time) error {
	ok, err := s.Contains(ctx, meetingID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotInMeeting
	}
	if err := s.client.ZAdd(ctx, s.seenKey(meetingID), redis.Z{Score: float64(now.UnixMilli()), Member: id.String()}).Err(); err != nil {
		return fmt.Errorf("redis touch: %w", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, meetingID string, id mesh.PeerID) (bool, error) {
	ok, err := s.client.HExists(ctx, s.rosterKey(meetingID), id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("redis contains: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Participants(ctx context.Context, meetingID string) ([]mesh.Participant, error) {
	entries, err := s.client.HGetAll(ctx, s.rosterKey(meetingID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis roster: %w", err)
	}
	out := make([]mesh.Participant, 0, len(entries))
	for rawID, name := range entries {
		id, err := mesh.ParsePeerID(rawID)
		if err != nil {
			continue
		}
		out = append(out, mesh.Participant{ID: id, DisplayName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, meetingID string, msg signaling.SignalMessage, now time.Time) error {
	to := mesh.PeerID(msg.To)
	ok, err := s.Contains(ctx, meetingID, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownRecipient
	}
	data, err := json.Marshal(redisEnvelope{At: now.UnixMilli(), Msg: msg})
	if err != nil {
		return err
	}
	key := s.mailboxKey(meetingID, to)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.mailboxTTL > 0 {
			pipe.Expire(ctx, key, s.mailboxTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) Drain(ctx context.Context, meetingID string, id mesh.PeerID, now time.Time) ([]signaling.SignalMessage, error) {
	ok, err := s.Contains(ctx, meetingID, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInMeeting
	}

	key := s.mailboxKey(meetingID, id)
	var items *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis drain: %w", err)
	}

	raw := items.Val()
	out := make([]signaling.SignalMessage, 0, len(raw))
	for _, item := range raw {
		var env redisEnvelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		if s.mailboxTTL > 0 && now.Sub(time.UnixMilli(env.At)) > s.mailboxTTL {
			continue
		}
		out = append(out, env.Msg)
	}
	return out, nil
}

func (s *RedisStore) Expire(ctx context.Context, cutoff time.Time) ([]Departure, error) {
	meetings, err := s.client.SMembers(ctx, s.meetingsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis meetings: %w", err)
	}
	sort.Strings(meetings)

	var gone []Departure
	var errs []error
	for _, meetingID := range meetings {
		stale, err := s.client.ZRangeByScore(ctx, s.seenKey(meetingID), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			errs = append(errs, fmt.Errorf("redis stale participants of %s: %w", meetingID, err))
			continue
		}
		for _, rawID := range stale {
			id, err := mesh.ParsePeerID(rawID)
			if err != nil {
				_ = s.client.ZRem(ctx, s.seenKey(meetingID), rawID).Err()
				continue
			}
			name, err := s.client.HGet(ctx, s.rosterKey(meetingID), rawID).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				errs = append(errs, err)
				continue
			}
			removed, err := s.remove(ctx, meetingID, id)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if removed {
				gone = append(gone, Departure{MeetingID: meetingID, Participant: mesh.Participant{ID: id, DisplayName: name}})
			}
		}
		if err := s.forgetIfEmpty(ctx, meetingID); err != nil {
			errs = append(errs, err)
		}
	}
	sort.SliceStable(gone, func(i, j int) bool {
		if gone[i].MeetingID != gone[j].MeetingID {
			return gone[i].MeetingID < gone[j].MeetingID
		}
		return gone[i].Participant.ID < gone[j].Participant.ID
	})
	return gone, errors.Join(errs...)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
