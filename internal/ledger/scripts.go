package ledger

// The three mutating scripts below are the entire money engine. Each
// script body executes atomically on the store; there is no interleaving
// between its reads and writes, which is what makes check-then-act safe
// under concurrency. Status strings come back as the first array element,
// numbers as the rest.

// reserveScript holds funds for a run.
//
// KEYS[1] = balance:{tenant_id}
// KEYS[2] = reserve:{run_id}
// ARGV[1] = amount_micros
// ARGV[2] = tenant_id
// ARGV[3] = created_at_ms
// ARGV[4] = reservation ttl seconds
//
// Returns {status, balance}. On OK the balance is post-reserve; on
// ERR_INSUFFICIENT it is the balance that was not enough.
const reserveScript = `
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {'ERR_ALREADY_RESERVED', 0}
end
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if balance < amount then
    return {'ERR_INSUFFICIENT', balance}
end
redis.call('DECRBY', KEYS[1], amount)
redis.call('HSET', KEYS[2],
    'tenant_id', ARGV[2],
    'reserved_micros', ARGV[1],
    'created_at_ms', ARGV[3])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[4]))
return {'OK', balance - amount}
`

// settleScript consumes a reservation exactly once: clamp the charge into
// [0, reserved], refund the difference, delete the reservation, and write
// the receipt in the same invocation. The receipt is the only proof that
// settlement happened; a caller that later finds the reservation gone must
// consult it rather than assume anything.
//
// KEYS[1] = balance:{tenant_id}
// KEYS[2] = reserve:{run_id}
// KEYS[3] = receipt:{run_id}
// ARGV[1] = requested charge micros
// ARGV[2] = settled_at_ms
//
// Returns {status, charge, refund, balance}.
const settleScript = `
local reserve = redis.call('HGETALL', KEYS[2])
if #reserve == 0 then
    return {'ERR_NO_RESERVE', 0, 0, 0}
end
local fields = {}
for i = 1, #reserve, 2 do
    fields[reserve[i]] = reserve[i + 1]
end
local reserved = tonumber(fields['reserved_micros'] or '0')
local charge = tonumber(ARGV[1])
if charge < 0 then
    charge = 0
end
if charge > reserved then
    charge = reserved
end
local refund = reserved - charge
if refund > 0 then
    redis.call('INCRBY', KEYS[1], refund)
end
redis.call('HSET', KEYS[3],
    'tenant_id', fields['tenant_id'],
    'charged_micros', tostring(charge),
    'settled_at_ms', ARGV[2])
redis.call('DEL', KEYS[2])
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
return {'OK', charge, refund, balance}
`

// refundScript releases an unconsumed reservation in full. No receipt is
// written: this is compensation for a run that never ran, not settlement.
//
// KEYS[1] = balance:{tenant_id}
// KEYS[2] = reserve:{run_id}
//
// Returns {status, refunded, balance}.
const refundScript = `
local reserve = redis.call('HGETALL', KEYS[2])
if #reserve == 0 then
    return {'ERR_NO_RESERVE', 0, 0}
end
local fields = {}
for i = 1, #reserve, 2 do
    fields[reserve[i]] = reserve[i + 1]
end
local reserved = tonumber(fields['reserved_micros'] or '0')
if reserved > 0 then
    redis.call('INCRBY', KEYS[1], reserved)
end
redis.call('DEL', KEYS[2])
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
return {'OK', reserved, balance}
`
