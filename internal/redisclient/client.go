package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/confirm_sale.lua
var confirmSaleScript string

//go:embed scripts/claim_voucher.lua
var claimVoucherScript string

//go:embed scripts/release_voucher.lua
var releaseVoucherScript string

//go:embed scripts/try_admit.lua
var tryAdmitScript string

//go:embed scripts/complete_session.lua
var completeSessionScript string

const (
	activeSetKey        = "payment:active"
	waitingListKey      = "payment:waiting"
	reservationIndexKey = "stock:reservations"
)

type Client struct {
	rdb            *redis.Client
	reserveScript  *redis.Script
	releaseScript  *redis.Script
	confirmScript  *redis.Script
	claimScript    *redis.Script
	unclaimScript  *redis.Script
	admitScript    *redis.Script
	completeScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewClientFromRedis(rdb), nil
}

// NewClientFromRedis wraps an existing connection; used by tests.
func NewClientFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:            rdb,
		reserveScript:  redis.NewScript(reserveStockScript),
		releaseScript:  redis.NewScript(releaseStockScript),
		confirmScript:  redis.NewScript(confirmSaleScript),
		claimScript:    redis.NewScript(claimVoucherScript),
		unclaimScript:  redis.NewScript(releaseVoucherScript),
		admitScript:    redis.NewScript(tryAdmitScript),
		completeScript: redis.NewScript(completeSessionScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64, field string) string {
	return fmt.Sprintf("stock:%d:%s", productID, field)
}

func reservationKey(orderID int64) string {
	return fmt.Sprintf("reservation:%d", orderID)
}

func sessionKey(orderID int64) string {
	return fmt.Sprintf("payment:session:%d", orderID)
}

func templateRemainingKey(templateID int64) string {
	return fmt.Sprintf("voucher:template:%d:remaining", templateID)
}

func eventRemainingKey(eventID int64) string {
	return fmt.Sprintf("voucher:event:%d:remaining", eventID)
}

func userClaimKey(userID, templateID int64) string {
	return fmt.Sprintf("voucher:user:%d:template:%d:count", userID, templateID)
}

func processedKey(orderID int64, txID string) string {
	return fmt.Sprintf("payment:processed:%d:%s", orderID, txID)
}

func failedKey(orderID int64, txID string) string {
	return fmt.Sprintf("payment:failed:%d:%s", orderID, txID)
}

// ReserveStock runs the all-or-nothing reservation script. It returns
// nil when every item was reserved, otherwise the 0-based indexes of
// the items with insufficient stock; nothing is mutated in that case.
func (c *Client) ReserveStock(ctx context.Context, orderID int64, productIDs []int64, quantities []int, record string, recordTTL time.Duration, deadline time.Time) ([]int, error) {
	keys := make([]string, 0, 2+2*len(productIDs))
	keys = append(keys, reservationKey(orderID), reservationIndexKey)
	for _, pid := range productIDs {
		keys = append(keys, stockKey(pid, "available"), stockKey(pid, "reserved"))
	}

	args := make([]interface{}, 0, 5+len(quantities))
	args = append(args, len(productIDs), record, int(recordTTL.Seconds()), deadline.Unix(), orderID)
	for _, qty := range quantities {
		args = append(args, qty)
	}

	result, err := c.reserveScript.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("reserve stock script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("unexpected reserve script result type")
	}
	if values[0].(int64) == 1 {
		return nil, nil
	}

	short := make([]int, 0, len(values)-1)
	for _, v := range values[1:] {
		short = append(short, int(v.(int64))-1)
	}
	return short, nil
}

// ReleaseStock reverses a reservation. Returns false when the record
// was already gone and nothing was mutated.
func (c *Client) ReleaseStock(ctx context.Context, orderID int64, productIDs []int64, quantities []int) (bool, error) {
	keys := make([]string, 0, 2+2*len(productIDs))
	keys = append(keys, reservationKey(orderID), reservationIndexKey)
	for _, pid := range productIDs {
		keys = append(keys, stockKey(pid, "available"), stockKey(pid, "reserved"))
	}
	return c.runReversal(ctx, c.releaseScript, keys, orderID, quantities, "release")
}

// ConfirmSale promotes reserved counters to sold. Returns false when
// the reservation no longer exists.
func (c *Client) ConfirmSale(ctx context.Context, orderID int64, productIDs []int64, quantities []int) (bool, error) {
	keys := make([]string, 0, 2+2*len(productIDs))
	keys = append(keys, reservationKey(orderID), reservationIndexKey)
	for _, pid := range productIDs {
		keys = append(keys, stockKey(pid, "reserved"), stockKey(pid, "sold"))
	}
	return c.runReversal(ctx, c.confirmScript, keys, orderID, quantities, "confirm")
}

func (c *Client) runReversal(ctx context.Context, script *redis.Script, keys []string, orderID int64, quantities []int, op string) (bool, error) {
	args := make([]interface{}, 0, 2+len(quantities))
	args = append(args, orderID, len(quantities))
	for _, qty := range quantities {
		args = append(args, qty)
	}

	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if err != nil {
		return false, fmt.Errorf("%s stock script failed: %w", op, err)
	}
	n, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected %s script result type", op)
	}
	return n == 1, nil
}

// GetReservation returns the raw reservation record, or found=false.
func (c *Client) GetReservation(ctx context.Context, orderID int64) (string, bool, error) {
	val, err := c.rdb.Get(ctx, reservationKey(orderID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// DueReservations lists order ids whose reservation deadline has passed.
func (c *Client) DueReservations(ctx context.Context, now time.Time) ([]int64, error) {
	members, err := c.rdb.ZRangeByScore(ctx, reservationIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return parseOrderIDs(members)
}

// SyncStock unconditionally overwrites the three counters of a product.
func (c *Client) SyncStock(ctx context.Context, productID int64, available, reserved, sold int) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, stockKey(productID, "available"), available, 0)
	pipe.Set(ctx, stockKey(productID, "reserved"), reserved, 0)
	pipe.Set(ctx, stockKey(productID, "sold"), sold, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// GetStock retrieves current stock counters; absent keys read as zero.
func (c *Client) GetStock(ctx context.Context, productID int64) (available, reserved, sold int, err error) {
	vals, err := c.rdb.MGet(ctx,
		stockKey(productID, "available"),
		stockKey(productID, "reserved"),
		stockKey(productID, "sold"),
	).Result()
	if err != nil {
		return 0, 0, 0, err
	}
	counters := make([]int, 3)
	for i, v := range vals {
		if v == nil {
			continue
		}
		counters[i], err = strconv.Atoi(v.(string))
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed stock counter for product %d: %w", productID, err)
		}
	}
	return counters[0], counters[1], counters[2], nil
}

// TryAdmit runs the admission script. Position is 0 when admitted,
// otherwise the 1-indexed place in the waiting list.
func (c *Client) TryAdmit(ctx context.Context, orderID, userID int64, maxConcurrent int, sessionTTL time.Duration, now time.Time) (bool, int, error) {
	keys := []string{activeSetKey, waitingListKey, sessionKey(orderID)}
	result, err := c.admitScript.Run(ctx, c.rdb, keys,
		orderID, userID, maxConcurrent, int(sessionTTL.Seconds()), now.Unix()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("admission script failed: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected admission script result type")
	}
	return values[0].(int64) == 1, int(values[1].(int64)), nil
}

// CompleteSession frees an admission slot and returns the next waiting
// order id, if one was popped.
func (c *Client) CompleteSession(ctx context.Context, orderID int64, maxConcurrent int) (int64, bool, error) {
	keys := []string{activeSetKey, waitingListKey, sessionKey(orderID)}
	result, err := c.completeScript.Run(ctx, c.rdb, keys, orderID, maxConcurrent).Result()
	if err != nil {
		return 0, false, fmt.Errorf("complete session script failed: %w", err)
	}
	next, ok := result.(string)
	if !ok || next == "" {
		return 0, false, nil
	}
	nextID, err := strconv.ParseInt(next, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed waiting entry %q: %w", next, err)
	}
	return nextID, true, nil
}

// IsActive reports whether the order holds an admission slot.
func (c *Client) IsActive(ctx context.Context, orderID int64) (bool, error) {
	return c.rdb.SIsMember(ctx, activeSetKey, strconv.FormatInt(orderID, 10)).Result()
}

// WaitingIndex returns the 1-indexed position in the waiting list, or 0
// when the order is not queued.
func (c *Client) WaitingIndex(ctx context.Context, orderID int64) (int, error) {
	entries, err := c.rdb.LRange(ctx, waitingListKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	want := strconv.FormatInt(orderID, 10)
	for i, entry := range entries {
		if entry == want {
			return i + 1, nil
		}
	}
	return 0, nil
}

// RemoveWaiting withdraws an order from the waiting list.
func (c *Client) RemoveWaiting(ctx context.Context, orderID int64) (bool, error) {
	removed, err := c.rdb.LRem(ctx, waitingListKey, 0, strconv.FormatInt(orderID, 10)).Result()
	if err != nil {
		return false, err
	}
	return removed > 0, nil
}

// ActiveOrders lists every order id currently in the active set.
func (c *Client) ActiveOrders(ctx context.Context) ([]int64, error) {
	members, err := c.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, err
	}
	return parseOrderIDs(members)
}

// SessionExists reports whether the session hash is still live.
func (c *Client) SessionExists(ctx context.Context, orderID int64) (bool, error) {
	n, err := c.rdb.Exists(ctx, sessionKey(orderID)).Result()
	return n > 0, err
}

// RemoveActive drops an order from the active set without touching the
// waiting list; used when its session TTL lapsed.
func (c *Client) RemoveActive(ctx context.Context, orderID int64) error {
	return c.rdb.SRem(ctx, activeSetKey, strconv.FormatInt(orderID, 10)).Err()
}

// ClearQueue deletes every session plus both queue structures.
func (c *Client) ClearQueue(ctx context.Context) (sessions, waiting int, err error) {
	active, err := c.ActiveOrders(ctx)
	if err != nil {
		return 0, 0, err
	}
	waitingLen, err := c.rdb.LLen(ctx, waitingListKey).Result()
	if err != nil {
		return 0, 0, err
	}

	pipe := c.rdb.Pipeline()
	for _, orderID := range active {
		pipe.Del(ctx, sessionKey(orderID))
	}
	pipe.Del(ctx, activeSetKey)
	pipe.Del(ctx, waitingListKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return len(active), int(waitingLen), nil
}

// ClaimVoucher runs the atomic claim script. Reason is set when the
// claim was refused and nothing was mutated.
func (c *Client) ClaimVoucher(ctx context.Context, templateID, eventID, userID int64, maxPerUser int, userTTL time.Duration) (bool, string, error) {
	keys := []string{
		templateRemainingKey(templateID),
		eventRemainingKey(eventID),
		userClaimKey(userID, templateID),
	}
	result, err := c.claimScript.Run(ctx, c.rdb, keys, maxPerUser, int(userTTL.Seconds())).Result()
	if err != nil {
		return false, "", fmt.Errorf("claim voucher script failed: %w", err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return false, "", fmt.Errorf("unexpected claim script result type")
	}
	if values[0].(int64) == 1 {
		return true, "", nil
	}
	reason, _ := values[1].(string)
	return false, reason, nil
}

// ReleaseVoucher applies the compensating increments for a claim.
func (c *Client) ReleaseVoucher(ctx context.Context, templateID, eventID, userID int64) error {
	keys := []string{
		templateRemainingKey(templateID),
		eventRemainingKey(eventID),
		userClaimKey(userID, templateID),
	}
	if err := c.unclaimScript.Run(ctx, c.rdb, keys).Err(); err != nil {
		return fmt.Errorf("release voucher script failed: %w", err)
	}
	return nil
}

// InitVoucherCounters seeds remaining counters only when absent.
func (c *Client) InitVoucherCounters(ctx context.Context, templateID, eventID int64, templateRemaining, eventRemaining int) error {
	pipe := c.rdb.Pipeline()
	pipe.SetNX(ctx, templateRemainingKey(templateID), templateRemaining, 0)
	pipe.SetNX(ctx, eventRemainingKey(eventID), eventRemaining, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// SetVoucherCounters unconditionally overwrites remaining counters.
func (c *Client) SetVoucherCounters(ctx context.Context, templateID, eventID int64, templateRemaining, eventRemaining int) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, templateRemainingKey(templateID), templateRemaining, 0)
	pipe.Set(ctx, eventRemainingKey(eventID), eventRemaining, 0)
	_, err := pipe.Exec(ctx)
	return err
}

// GetVoucherCounters reads both remaining counters; absent keys read as zero.
func (c *Client) GetVoucherCounters(ctx context.Context, templateID, eventID int64) (templateRemaining, eventRemaining int, err error) {
	vals, err := c.rdb.MGet(ctx, templateRemainingKey(templateID), eventRemainingKey(eventID)).Result()
	if err != nil {
		return 0, 0, err
	}
	counters := make([]int, 2)
	for i, v := range vals {
		if v == nil {
			continue
		}
		counters[i], err = strconv.Atoi(v.(string))
		if err != nil {
			return 0, 0, err
		}
	}
	return counters[0], counters[1], nil
}

// MarkProcessedNX sets the processed marker only if absent. The single
// SETNX is the race gate across concurrently delivered duplicates.
func (c *Client) MarkProcessedNX(ctx context.Context, orderID int64, txID string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, processedKey(orderID, txID), time.Now().Unix(), ttl).Result()
}

// GetFailedAt returns when the failed marker was set, or found=false.
func (c *Client) GetFailedAt(ctx context.Context, orderID int64, txID string) (time.Time, bool, error) {
	val, err := c.rdb.Get(ctx, failedKey(orderID, txID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed failed marker: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

// MarkFailed records a settlement failure for the backoff window.
func (c *Client) MarkFailed(ctx context.Context, orderID int64, txID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, failedKey(orderID, txID), time.Now().Unix(), ttl).Err()
}

// ClearFailed removes the failed marker to allow an immediate retry.
func (c *Client) ClearFailed(ctx context.Context, orderID int64, txID string) error {
	return c.rdb.Del(ctx, failedKey(orderID, txID)).Err()
}

// ClearProcessed removes the processed marker; manual-retry support.
func (c *Client) ClearProcessed(ctx context.Context, orderID int64, txID string) error {
	return c.rdb.Del(ctx, processedKey(orderID, txID)).Err()
}

func parseOrderIDs(members []string) ([]int64, error) {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed order id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
