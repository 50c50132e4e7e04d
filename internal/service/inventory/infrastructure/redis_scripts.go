package infrastructure

// 库存引擎的全部 Lua 脚本。整批"先校验后变更"的逻辑放在单个脚本里，
// 由 Redis 单线程执行，对任何并发调用方表现为一个不可分割的步骤。
//
// 注意：reserve/cleanup 脚本会在脚本内部拼接 key，这在 Redis Cluster
// 下是不合法的；当前部署目标是单实例/主从，见 DESIGN.md。

const reserveScript = `
-- KEYS[1..n]:      库存计数 hash
-- KEYS[n+1..2n]:   每个 SKU 的预占索引 set
-- KEYS[2n+1]:      到期索引 zset
-- KEYS[2n+2]:      预占序号计数器
-- ARGV[1]:         n
-- ARGV[2..n+1]:    每个条目的数量
-- ARGV[n+2..n+6]:  timeoutSeconds, now, recordTTL, indexTTL, 记录 key 前缀
-- ARGV[n+7..2n+6]: 每个条目的 SKU
local n = tonumber(ARGV[1])

-- 阶段一：整批校验，任何一项不满足立即返回，不碰任何数据
for i = 1, n do
    if redis.call('EXISTS', KEYS[i]) == 0 then
        return {-1, i}
    end
    local avail = tonumber(redis.call('HGET', KEYS[i], 'available') or '0')
    if avail < tonumber(ARGV[1 + i]) then
        return {0, i, avail}
    end
end

-- 阶段二：整批变更
local timeout = tonumber(ARGV[n + 2])
local now = tonumber(ARGV[n + 3])
local recordTTL = tonumber(ARGV[n + 4])
local indexTTL = tonumber(ARGV[n + 5])
local prefix = ARGV[n + 6]

local reply = {1}
for i = 1, n do
    local qty = tonumber(ARGV[1 + i])
    local sku = ARGV[n + 6 + i]
    redis.call('HINCRBY', KEYS[i], 'available', -qty)
    redis.call('HINCRBY', KEYS[i], 'reserved', qty)

    local seq = redis.call('INCR', KEYS[2 * n + 2])
    local member = 'res:' .. sku .. ':' .. now .. ':' .. seq
    local recordKey = prefix .. member
    redis.call('HSET', recordKey,
        'sku', sku, 'quantity', qty, 'status', 'active',
        'created_at', now, 'expires_at', now + timeout)
    redis.call('EXPIRE', recordKey, recordTTL)
    redis.call('SADD', KEYS[n + i], member)
    redis.call('EXPIRE', KEYS[n + i], indexTTL)
    redis.call('ZADD', KEYS[2 * n + 1], now + timeout, member)
    reply[1 + i] = member
end
return reply
`

const restockScript = `
-- KEYS[1]: 库存计数 hash
-- ARGV[1]: 追加数量
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
redis.call('HINCRBY', KEYS[1], 'available', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'total', ARGV[1])
return 1
`

const releaseKeyedScript = `
-- KEYS[1]: 预占记录 hash
-- KEYS[2]: 库存计数 hash
-- KEYS[3]: 预占索引 set
-- KEYS[4]: 到期索引 zset
-- ARGV[1]: 预占逻辑键
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
    return {0}
end
local sku = redis.call('HGET', KEYS[1], 'sku')
local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
redis.call('HINCRBY', KEYS[2], 'reserved', -qty)
redis.call('HINCRBY', KEYS[2], 'available', qty)
redis.call('HSET', KEYS[1], 'status', 'released')
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return {1, sku, qty}
`

const commitKeyedScript = `
-- KEYS/ARGV 同 release；区别：available 不动，预占转为 sold
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {0}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
    return {0}
end
local sku = redis.call('HGET', KEYS[1], 'sku')
local qty = tonumber(redis.call('HGET', KEYS[1], 'quantity'))
redis.call('HINCRBY', KEYS[2], 'reserved', -qty)
redis.call('HINCRBY', KEYS[2], 'sold', qty)
redis.call('HSET', KEYS[1], 'status', 'committed')
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
return {1, sku, qty}
`

const releaseDirectScript = `
-- 管理员直连释放：要求 reserved >= qty
-- KEYS[1]: 库存计数 hash; ARGV[1]: 数量
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local qty = tonumber(ARGV[1])
if reserved < qty then
    return {0, reserved}
end
redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
redis.call('HINCRBY', KEYS[1], 'available', qty)
return {1}
`

const commitDirectScript = `
-- 管理员直连提交（没有预占记录背书）：要求 available >= qty
-- KEYS[1]: 库存计数 hash; ARGV[1]: 数量
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end
local avail = tonumber(redis.call('HGET', KEYS[1], 'available') or '0')
local qty = tonumber(ARGV[1])
if avail < qty then
    return {0, avail}
end
redis.call('HINCRBY', KEYS[1], 'available', -qty)
redis.call('HINCRBY', KEYS[1], 'sold', qty)
return {1}
`

const cleanupScript = `
-- 扫描到期索引，把仍然 active 的超时预占补偿回 available。
-- 记录的 TTL 比预占超时多出 grace 窗口，所以走到这里时
-- sku/数量一定还能读到，补偿和出索引在同一个脚本里完成。
-- KEYS[1]: 到期索引 zset
-- ARGV[1]: now; ARGV[2]: limit; ARGV[3]: 记录前缀; ARGV[4]: 库存前缀; ARGV[5]: 索引前缀
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local count = 0
for _, member in ipairs(due) do
    local recordKey = ARGV[3] .. member
    if redis.call('EXISTS', recordKey) == 1 and redis.call('HGET', recordKey, 'status') == 'active' then
        local sku = redis.call('HGET', recordKey, 'sku')
        local qty = tonumber(redis.call('HGET', recordKey, 'quantity'))
        redis.call('HINCRBY', ARGV[4] .. sku, 'reserved', -qty)
        redis.call('HINCRBY', ARGV[4] .. sku, 'available', qty)
        redis.call('HSET', recordKey, 'status', 'released')
        redis.call('SREM', ARGV[5] .. sku, member)
        count = count + 1
    end
    redis.call('ZREM', KEYS[1], member)
end
return count
`

const claimContextScript = `
-- 原子地把 active 上下文流转到终态；重复的支付事件在这里被挡住
-- KEYS[1]: 上下文 hash; ARGV[1]: 目标状态
if redis.call('EXISTS', KEYS[1]) == 0 then
    return {-1}
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'active' then
    return {0, status}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return {1}
`
