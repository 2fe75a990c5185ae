package distsync

// Server-side scripts keep check-and-commit atomic on the shared cache.
// They are the only debit path in distributed mode; local counters are
// updated from their outcome.

// deductScript: read credits and active; -1 when inactive, 0 when the
// balance is short, 1 after debiting and bumping the spend counters.
const deductScript = `
local active = redis.call('HGET', KEYS[1], 'active')
if active == false or active == '0' or active == 'false' then
  return -1
end
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local amount = tonumber(ARGV[1])
if credits < amount then
  return 0
end
redis.call('HSET', KEYS[1], 'credits', credits - amount)
redis.call('HINCRBY', KEYS[1], 'totalSpent', amount)
redis.call('HINCRBY', KEYS[1], 'totalCalls', 1)
redis.call('HSET', KEYS[1], 'lastUsedAt', ARGV[2])
return 1
`

// topupScript adds credits with the balance clamped to the cap, returning
// the new balance.
const topupScript = `
local credits = tonumber(redis.call('HGET', KEYS[1], 'credits') or '0')
local amount = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local balance = credits + amount
if balance > cap then
  balance = cap
end
redis.call('HSET', KEYS[1], 'credits', balance)
return balance
`

// rateScript is the sliding window as a sorted set with timestamp scores:
// trim expired members, gate on ZCARD, then record the hit and refresh the
// key TTL. Returns 1 on allow, 0 on limit.
const rateScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  return 0
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`
