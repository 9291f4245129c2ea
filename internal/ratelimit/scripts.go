package ratelimit

import "github.com/redis/go-redis/v9"

// rollingSumScript trims a rolling cost ZSET to its window and sums the cost
// component of the surviving members. Members are "{ts}:{requestId}:{cost}"
// scored by millisecond timestamp. Returns {-1, "0", "0"} when the key is
// absent so the caller can distinguish empty from never-warmed, else
// {0, sum, oldestScore}. Sums travel back as strings: Lua numbers truncate
// to integers on the Redis reply path.
var rollingSumScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	if redis.call('EXISTS', key) == 0 then
		return {-1, '0', '0'}
	end

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local members = redis.call('ZRANGE', key, 0, -1, 'WITHSCORES')
	local sum = 0
	local oldest = '0'
	for i = 1, #members, 2 do
		local cost = string.match(members[i], '^[^:]*:[^:]*:(.*)$')
		if cost then
			sum = sum + (tonumber(cost) or 0)
		end
		if oldest == '0' then
			oldest = members[i + 1]
		end
	end
	redis.call('EXPIRE', key, ttl)
	return {0, tostring(sum), oldest}
`)

// rpmCheckScript counts requests in the trailing minute and admits the new
// one atomically. Returns {allowed, count, oldestScore}; oldestScore lets
// the caller compute when the window frees up.
var rpmCheckScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local member = ARGV[3]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - 60000)
	local count = redis.call('ZCARD', key)
	if count >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local oldestScore = '0'
		if oldest[2] then
			oldestScore = oldest[2]
		end
		return {0, count, oldestScore}
	end
	redis.call('ZADD', key, now, member)
	redis.call('EXPIRE', key, 120)
	return {1, count + 1, '0'}
`)

// concurrencyScript is the atomic check-and-track admission over an
// active-session ZSET: it ages out stale sessions, re-admits an already
// tracked session for free, and otherwise admits only below the limit.
// Returns {allowed, count, tracked}.
var concurrencyScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local ttl = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local session = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - ttl)
	if redis.call('ZSCORE', key, session) then
		redis.call('ZADD', key, now, session)
		return {1, redis.call('ZCARD', key), 1}
	end
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, now, session)
		redis.call('EXPIRE', key, math.ceil(ttl / 1000) + 60)
		return {1, count + 1, 1}
	end
	return {0, count, 0}
`)
