package queue

import "github.com/go-redis/redis/v8"

// Every script receives numbers (timestamps, counts) as decimal strings from
// Go and stores them untouched, so no float formatting happens inside Lua.

const luaPrelude = `
local function emit(channel, event)
  redis.call("PUBLISH", channel, cjson.encode(event))
end

local function removeJobs(set, prefix, ids)
  for _, id in ipairs(ids) do
    redis.call("ZREM", set, id)
    redis.call("DEL", prefix .. id)
  end
end

-- trim evicts terminal jobs older than cutoff and beyond maxCount, oldest first.
local function trim(set, prefix, maxCount, cutoff)
  if cutoff ~= "" then
    removeJobs(set, prefix, redis.call("ZRANGEBYSCORE", set, "-inf", "(" .. cutoff))
  end
  local limit = tonumber(maxCount)
  if limit > 0 then
    local excess = redis.call("ZCARD", set) - limit
    if excess > 0 then
      removeJobs(set, prefix, redis.call("ZRANGE", set, 0, excess - 1))
    end
  end
end

-- owned returns 1 when token holds the active job with the expected attempt
-- count, -1 when the job is gone and -2 when the claim was lost.
local function owned(jobKey, token, attempts)
  local fields = redis.call("HMGET", jobKey, "state", "token", "attempts_made")
  if not fields[1] then
    return -1
  end
  if fields[1] ~= "active" or fields[2] ~= token or fields[3] ~= attempts then
    return -2
  end
  return 1
end

-- leaseExpired guards reclaims against a heartbeat that landed meanwhile.
local function leaseExpired(jobKey, now)
  local lease = redis.call("HGET", jobKey, "lease_until")
  return (not lease) or tonumber(lease) <= tonumber(now)
end

-- addJob: KEYS wait, delayed; ARGV prefix, id, queue, name, payload,
-- maxAttempts, backoffType, backoffMs, recurrence, createdAt, nextRunAt,
-- channel.
local function addJob(keys, argv)
  local jobKey = argv[1] .. argv[2]
  if redis.call("EXISTS", jobKey) == 1 then
    return 0
  end
  redis.call("HSET", jobKey,
    "id", argv[2], "queue", argv[3], "name", argv[4], "payload", argv[5],
    "attempts_made", "0", "max_attempts", argv[6],
    "backoff_type", argv[7], "backoff_ms", argv[8],
    "recurrence", argv[9], "created_at", argv[10])
  local event = {event = "enqueued", jobId = argv[2], queue = argv[3], timestamp = argv[10], attemptsMade = "0"}
  if argv[11] ~= "" then
    redis.call("HSET", jobKey, "state", "delayed", "next_run_at", argv[11])
    redis.call("ZADD", keys[2], argv[11], argv[2])
    event.state = "delayed"
    event.nextRunAt = argv[11]
  else
    redis.call("HSET", jobKey, "state", "waiting")
    redis.call("LPUSH", keys[1], argv[2])
    event.state = "waiting"
  end
  emit(argv[12], event)
  return 1
end
`

func newScript(body string) *redis.Script {
	return redis.NewScript(luaPrelude + body)
}

var enqueueScript = newScript(`
return addJob(KEYS, ARGV)
`)

// KEYS wait, active; ARGV prefix, now, leaseUntil, token, channel, queue.
var claimScript = newScript(`
while true do
  local id = redis.call("RPOP", KEYS[1])
  if not id then
    return nil
  end
  local jobKey = ARGV[1] .. id
  if redis.call("HGET", jobKey, "state") == "waiting" then
    redis.call("HSET", jobKey, "state", "active", "processed_at", ARGV[2],
      "token", ARGV[4], "lease_until", ARGV[3])
    redis.call("HSETNX", jobKey, "first_processed_at", ARGV[2])
    redis.call("ZADD", KEYS[2], ARGV[3], id)
    emit(ARGV[5], {event = "active", jobId = id, queue = ARGV[6], state = "active",
      timestamp = ARGV[2], attemptsMade = redis.call("HGET", jobKey, "attempts_made")})
    return redis.call("HGETALL", jobKey)
  end
end
`)

// KEYS active; ARGV prefix, id, token, leaseUntil.
var extendScript = newScript(`
local jobKey = ARGV[1] .. ARGV[2]
local fields = redis.call("HMGET", jobKey, "state", "token")
if fields[1] ~= "active" or fields[2] ~= ARGV[3] then
  return 0
end
redis.call("HSET", jobKey, "lease_until", ARGV[4])
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[2])
return 1
`)

// KEYS active, completed; ARGV prefix, id, token, expectedAttempts, attempts,
// finishedAt, keepCount, cutoff, channel, queue.
var completeScript = newScript(`
local jobKey = ARGV[1] .. ARGV[2]
local check = owned(jobKey, ARGV[3], ARGV[4])
if check ~= 1 then
  return check
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HSET", jobKey, "state", "completed", "attempts_made", ARGV[5], "finished_at", ARGV[6])
redis.call("HDEL", jobKey, "token", "lease_until", "failed_reason")
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[2])
emit(ARGV[9], {event = "completed", jobId = ARGV[2], queue = ARGV[10], state = "completed",
  timestamp = ARGV[6], attemptsMade = ARGV[5]})
trim(KEYS[2], ARGV[1], ARGV[7], ARGV[8])
return 1
`)

// KEYS active, delayed; ARGV prefix, id, token, expectedAttempts, attempts,
// at, nextRunAt, reason, stalled, channel, queue.
var retryScript = newScript(`
local jobKey = ARGV[1] .. ARGV[2]
local check = owned(jobKey, ARGV[3], ARGV[4])
if check ~= 1 then
  return check
end
if ARGV[9] == "1" then
  if not leaseExpired(jobKey, ARGV[6]) then
    return -3
  end
  emit(ARGV[10], {event = "stalled", jobId = ARGV[2], queue = ARGV[11], state = "active",
    timestamp = ARGV[6], attemptsMade = ARGV[4]})
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HSET", jobKey, "state", "delayed", "attempts_made", ARGV[5],
  "next_run_at", ARGV[7], "failed_reason", ARGV[8])
redis.call("HDEL", jobKey, "token", "lease_until")
redis.call("ZADD", KEYS[2], ARGV[7], ARGV[2])
emit(ARGV[10], {event = "delayed", jobId = ARGV[2], queue = ARGV[11], state = "delayed",
  timestamp = ARGV[6], attemptsMade = ARGV[5], nextRunAt = ARGV[7], failedReason = ARGV[8]})
return 1
`)

// KEYS active, failed; ARGV prefix, id, token, expectedAttempts, attempts,
// at, reason, stalled, keepCount, cutoff, channel, queue.
var failScript = newScript(`
local jobKey = ARGV[1] .. ARGV[2]
local check = owned(jobKey, ARGV[3], ARGV[4])
if check ~= 1 then
  return check
end
if ARGV[8] == "1" then
  if not leaseExpired(jobKey, ARGV[6]) then
    return -3
  end
  emit(ARGV[11], {event = "stalled", jobId = ARGV[2], queue = ARGV[12], state = "active",
    timestamp = ARGV[6], attemptsMade = ARGV[4]})
end
redis.call("ZREM", KEYS[1], ARGV[2])
redis.call("HSET", jobKey, "state", "failed", "attempts_made", ARGV[5],
  "finished_at", ARGV[6], "failed_reason", ARGV[7])
redis.call("HDEL", jobKey, "token", "lease_until")
redis.call("ZADD", KEYS[2], ARGV[6], ARGV[2])
emit(ARGV[11], {event = "failed", jobId = ARGV[2], queue = ARGV[12], state = "failed",
  timestamp = ARGV[6], attemptsMade = ARGV[5], failedReason = ARGV[7]})
trim(KEYS[2], ARGV[1], ARGV[9], ARGV[10])
return 1
`)

// KEYS delayed, wait; ARGV prefix, now, limit, channel, queue. Removing the
// id from the delayed set is what makes promotion happen at most once.
var promoteScript = newScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[2], "LIMIT", "0", ARGV[3])
local promoted = 0
for _, id in ipairs(ids) do
  if redis.call("ZREM", KEYS[1], id) == 1 then
    local jobKey = ARGV[1] .. id
    local fields = redis.call("HMGET", jobKey, "state", "attempts_made")
    if fields[1] == "delayed" then
      redis.call("HSET", jobKey, "state", "waiting")
      redis.call("HDEL", jobKey, "next_run_at")
      redis.call("LPUSH", KEYS[2], id)
      emit(ARGV[4], {event = "waiting", jobId = id, queue = ARGV[5], state = "waiting",
        timestamp = ARGV[2], attemptsMade = fields[2]})
      promoted = promoted + 1
    end
  end
end
return {promoted, #ids}
`)

// KEYS repeat, repeatNext, repeatLast; ARGV key, registration, firstSlot.
var registerRecurrenceScript = newScript(`
if redis.call("HSETNX", KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3])
redis.call("HSET", KEYS[3], ARGV[1], "0")
return 1
`)

// KEYS wait, delayed, repeatNext, repeatLast; ARGV as addJob followed by
// repeatKey, expectedSlot, nextSlot.
var materializeScript = newScript(`
if redis.call("HGET", KEYS[3], ARGV[13]) ~= ARGV[14] then
  return 0
end
addJob(KEYS, ARGV)
redis.call("HSET", KEYS[3], ARGV[13], ARGV[15])
redis.call("HSET", KEYS[4], ARGV[13], ARGV[14])
return 1
`)
