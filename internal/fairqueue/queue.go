// Package fairqueue implements a priority-weighted FIFO queue on the shared
// counter store.
//
// Items are kept in one sorted set scored by
//
//	priority*1e12 + (1e12 - enqueue unix seconds)
//
// so higher priority always pops first and, within a priority, the earliest
// enqueue pops first. A store-assigned sequence embedded in the member breaks
// ties inside one second. A continuous stream of higher-priority work can
// starve lower tiers; that trade-off is accepted.
package fairqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/tenant-governor/internal/store"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	scoreScale = int64(1_000_000_000_000)
	// maxSeq bounds the inverted sequence so members sort earliest-first.
	maxSeq       = int64(999_999_999_999_999)
	seqWidth     = 15
	fieldSep     = "\x1f"
	defaultName  = "default"
	pollInterval = 50 * time.Millisecond
)

var (
	errMissingTenant = errors.New("fairqueue: missing tenant id")
	errMissingItem   = errors.New("fairqueue: missing item id")
	errBadID         = errors.New("fairqueue: ids must not contain the unit separator")
)

var enqueueScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[2])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
redis.call("HINCRBY", KEYS[3], ARGV[4], 1)
return 1
`)

var popScript = redis.NewScript(`
local popped = redis.call("ZPOPMAX", KEYS[1])
if #popped == 0 then
  return false
end
local member = popped[1]
local first = string.find(member, "\31", 1, true)
local field = string.sub(member, first + 1)
redis.call("HDEL", KEYS[2], field)
local second = string.find(field, "\31", 1, true)
local tenant = string.sub(field, 1, second - 1)
if redis.call("HINCRBY", KEYS[3], tenant, -1) <= 0 then
  redis.call("HDEL", KEYS[3], tenant)
end
return {member, popped[2]}
`)

var positionScript = redis.NewScript(`
local member = redis.call("HGET", KEYS[2], ARGV[1])
if not member then
  return -1
end
local rank = redis.call("ZREVRANK", KEYS[1], member)
if not rank then
  return -1
end
return rank
`)

var removeScript = redis.NewScript(`
local member = redis.call("HGET", KEYS[2], ARGV[1])
if not member then
  return 0
end
redis.call("ZREM", KEYS[1], member)
redis.call("HDEL", KEYS[2], ARGV[1])
if redis.call("HINCRBY", KEYS[3], ARGV[2], -1) <= 0 then
  redis.call("HDEL", KEYS[3], ARGV[2])
end
return 1
`)

// Item is a queued unit of work.
type Item struct {
	TenantID   string    `json:"tenant_id"`
	ItemID     string    `json:"item_id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Options configures a Queue.
type Options struct {
	// Name separates independent queues on the same store.
	Name        string
	PollTimeout time.Duration
	// PriorityOf resolves a tenant's priority when Enqueue omits one.
	PriorityOf func(tenantID string) int
	NowFn      func() time.Time
}

// Queue is a fair queue backed by the shared store.
type Queue struct {
	store       *store.Store
	keys        queueKeys
	pollTimeout time.Duration
	priorityOf  func(string) int
	nowFn       func() time.Time
}

type queueKeys struct {
	items  string
	index  string
	counts string
	seq    string
}

// New constructs a Queue.
func New(st *store.Store, opts Options) *Queue {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultName
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = internalsettings.DefaultDequeuePollTimeout
	}
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	tag := "{" + name + "}"
	return &Queue{
		store: st,
		keys: queueKeys{
			items:  st.Key("fq", tag, "items"),
			index:  st.Key("fq", tag, "index"),
			counts: st.Key("fq", tag, "counts"),
			seq:    st.Key("fq", tag, "seq"),
		},
		pollTimeout: pollTimeout,
		priorityOf:  opts.PriorityOf,
		nowFn:       nowFn,
	}
}

func (q *Queue) scriptKeys() []string {
	return []string{q.keys.items, q.keys.index, q.keys.counts}
}

// Score returns the ordering key for priority and an enqueue time.
func Score(priority int, enqueuedAt time.Time) int64 {
	return int64(priority)*scoreScale + (scoreScale - enqueuedAt.Unix())
}

func splitScore(score int64) (int, time.Time) {
	priority := score / scoreScale
	unix := scoreScale - score%scoreScale
	return int(priority), time.Unix(unix, 0).UTC()
}

func itemField(tenantID, itemID string) string {
	return tenantID + fieldSep + itemID
}

func validateIDs(tenantID, itemID string) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	itemID = strings.TrimSpace(itemID)
	if tenantID == "" {
		return "", "", errMissingTenant
	}
	if itemID == "" {
		return "", "", errMissingItem
	}
	if strings.Contains(tenantID, fieldSep) || strings.Contains(itemID, fieldSep) {
		return "", "", errBadID
	}
	return tenantID, itemID, nil
}

func (q *Queue) resolvePriority(tenantID string, priority *int) (int, error) {
	p := internalsettings.DefaultQueuePriority
	switch {
	case priority != nil:
		p = *priority
	case q.priorityOf != nil:
		p = q.priorityOf(tenantID)
	}
	if p < internalsettings.MinQueuePriority || p > internalsettings.MaxQueuePriority {
		return 0, fmt.Errorf("fairqueue: priority %d out of range [%d, %d]", p, internalsettings.MinQueuePriority, internalsettings.MaxQueuePriority)
	}
	return p, nil
}

// Enqueue adds itemID for tenantID. A nil priority resolves through
// Options.PriorityOf. Enqueueing an item that is already queued is a no-op and
// reports false.
func (q *Queue) Enqueue(ctx context.Context, tenantID, itemID string, priority *int) (bool, error) {
	return q.enqueueAt(ctx, tenantID, itemID, priority, q.nowFn())
}

// Requeue puts a previously dequeued item back with its priority and original
// enqueue time, so it keeps its place within its tier.
func (q *Queue) Requeue(ctx context.Context, item Item) (bool, error) {
	at := item.EnqueuedAt
	if at.IsZero() {
		at = q.nowFn()
	}
	priority := item.Priority
	return q.enqueueAt(ctx, item.TenantID, item.ItemID, &priority, at)
}

func (q *Queue) enqueueAt(ctx context.Context, tenantID, itemID string, priority *int, at time.Time) (bool, error) {
	tenantID, itemID, errIDs := validateIDs(tenantID, itemID)
	if errIDs != nil {
		return false, errIDs
	}
	p, errPriority := q.resolvePriority(tenantID, priority)
	if errPriority != nil {
		return false, errPriority
	}
	field := itemField(tenantID, itemID)
	score := Score(p, at)

	var added int64
	errDo := q.store.Do(ctx, "fairqueue.enqueue", func(ctx context.Context, client redis.UniversalClient) error {
		seq, errSeq := client.Incr(ctx, q.keys.seq).Result()
		if errSeq != nil {
			return errSeq
		}
		member := fmt.Sprintf("%0*d", seqWidth, maxSeq-seq) + fieldSep + field
		var errEval error
		added, errEval = enqueueScript.Run(ctx, client, q.scriptKeys(), field, member, strconv.FormatInt(score, 10), tenantID).Int64()
		return errEval
	})
	if errDo != nil {
		return false, errDo
	}
	if added == 0 {
		log.WithFields(log.Fields{"tenant_id": tenantID, "item_id": itemID}).Debug("fairqueue: item already queued")
		return false, nil
	}
	return true, nil
}

// TryDequeue pops the highest-scored item without waiting.
func (q *Queue) TryDequeue(ctx context.Context) (Item, bool, error) {
	var raw []interface{}
	errDo := q.store.Do(ctx, "fairqueue.dequeue", func(ctx context.Context, client redis.UniversalClient) error {
		var errEval error
		raw, errEval = popScript.Run(ctx, client, q.scriptKeys()).Slice()
		return errEval
	})
	if errors.Is(errDo, redis.Nil) {
		return Item{}, false, nil
	}
	if errDo != nil {
		return Item{}, false, errDo
	}
	item, errParse := parsePopped(raw)
	if errParse != nil {
		return Item{}, false, errParse
	}
	return item, true, nil
}

func parsePopped(raw []interface{}) (Item, error) {
	if len(raw) != 2 {
		return Item{}, fmt.Errorf("fairqueue: unexpected pop response")
	}
	member, _ := raw[0].(string)
	scoreRaw, _ := raw[1].(string)
	parts := strings.SplitN(member, fieldSep, 3)
	if len(parts) != 3 {
		return Item{}, fmt.Errorf("fairqueue: malformed member %q", member)
	}
	score, errScore := strconv.ParseFloat(scoreRaw, 64)
	if errScore != nil {
		return Item{}, fmt.Errorf("fairqueue: malformed score %q: %w", scoreRaw, errScore)
	}
	priority, enqueuedAt := splitScore(int64(score))
	return Item{TenantID: parts[1], ItemID: parts[2], Priority: priority, EnqueuedAt: enqueuedAt}, nil
}

// Dequeue pops the highest-scored item, polling for up to the configured
// timeout while the queue is empty. ok is false when nothing arrived in time.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.NewTimer(q.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		item, ok, errPop := q.TryDequeue(ctx)
		if errPop != nil || ok {
			return item, ok, errPop
		}
		select {
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		case <-deadline.C:
			return Item{}, false, nil
		case <-ticker.C:
		}
	}
}

// Position returns the item's rank, 0 being next to dequeue. ok is false when
// the item is not queued.
func (q *Queue) Position(ctx context.Context, tenantID, itemID string) (int, bool, error) {
	tenantID, itemID, errIDs := validateIDs(tenantID, itemID)
	if errIDs != nil {
		return 0, false, errIDs
	}
	var rank int64
	errDo := q.store.Do(ctx, "fairqueue.position", func(ctx context.Context, client redis.UniversalClient) error {
		var errEval error
		rank, errEval = positionScript.Run(ctx, client, q.scriptKeys(), itemField(tenantID, itemID)).Int64()
		return errEval
	})
	if errDo != nil {
		return 0, false, errDo
	}
	if rank < 0 {
		return 0, false, nil
	}
	return int(rank), true, nil
}

// Len returns the total pending count, or the tenant's count when tenantID is set.
func (q *Queue) Len(ctx context.Context, tenantID string) (int, error) {
	tenantID = strings.TrimSpace(tenantID)
	var n int64
	errDo := q.store.Do(ctx, "fairqueue.len", func(ctx context.Context, client redis.UniversalClient) error {
		var errLen error
		if tenantID == "" {
			n, errLen = client.ZCard(ctx, q.keys.items).Result()
		} else {
			n, errLen = client.HGet(ctx, q.keys.counts, tenantID).Int64()
		}
		return errLen
	})
	if errors.Is(errDo, redis.Nil) {
		return 0, nil
	}
	if errDo != nil {
		return 0, errDo
	}
	return int(n), nil
}

// Remove drops a queued item. It reports false when the item was not queued.
func (q *Queue) Remove(ctx context.Context, tenantID, itemID string) (bool, error) {
	tenantID, itemID, errIDs := validateIDs(tenantID, itemID)
	if errIDs != nil {
		return false, errIDs
	}
	var removed int64
	errDo := q.store.Do(ctx, "fairqueue.remove", func(ctx context.Context, client redis.UniversalClient) error {
		var errEval error
		removed, errEval = removeScript.Run(ctx, client, q.scriptKeys(), itemField(tenantID, itemID), tenantID).Int64()
		return errEval
	})
	if errDo != nil {
		return false, errDo
	}
	return removed == 1, nil
}
