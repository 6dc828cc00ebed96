package fluxaid

import (
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

const mysqlNodeLeaseTable = "_fluxaid_nodes"

const mysqlNodeLeaseCreateTable = "CREATE TABLE IF NOT EXISTS `" + mysqlNodeLeaseTable + "` (" +
	"`datacenter_id` tinyint unsigned NOT NULL," +
	"`worker_id` tinyint unsigned NOT NULL," +
	"`owner` char(36) NOT NULL," +
	"`meta` json NOT NULL," +
	"`expires_at` bigint NOT NULL," +
	"PRIMARY KEY (`datacenter_id`, `worker_id`)" +
	") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"

// owner is assigned first, later assignments see its new value
const mysqlNodeLeaseClaim = "INSERT INTO `" + mysqlNodeLeaseTable + "` " +
	"(`datacenter_id`, `worker_id`, `owner`, `meta`, `expires_at`) VALUES (?, ?, ?, ?, ?) " +
	"ON DUPLICATE KEY UPDATE " +
	"`owner` = IF(`expires_at` < ?, VALUES(`owner`), `owner`), " +
	"`meta` = IF(`owner` = VALUES(`owner`), VALUES(`meta`), `meta`), " +
	"`expires_at` = IF(`owner` = VALUES(`owner`), VALUES(`expires_at`), `expires_at`)"

type mysqlNodeLeaseProvider struct {
	pool string
	ttl  time.Duration
}

// NewMySQLNodeLeaseProvider leases node slots as rows of the _fluxaid_nodes table in pool.
// Expired rows are taken over by the next process that asks for the slot.
// A ttl below one millisecond falls back to 30 seconds.
func NewMySQLNodeLeaseProvider(pool string, ttl time.Duration) NodeLeaseProvider {
	return &mysqlNodeLeaseProvider{pool: pool, ttl: nodeLeaseTTL(ttl)}
}

func (p *mysqlNodeLeaseProvider) Name() string {
	return "mysql:" + p.pool
}

func (p *mysqlNodeLeaseProvider) db(ctx Context) (DB, error) {
	db := ctx.Engine().DB(p.pool)
	if db == nil {
		return nil, errors.Errorf("mysql pool '%s' is not registered", p.pool)
	}
	return db, nil
}

func (p *mysqlNodeLeaseProvider) Acquire(ctx Context, preferred NodeIdentity) (NodeLease, error) {
	db, err := p.db(ctx)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx, mysqlNodeLeaseCreateTable)
	if err != nil {
		return nil, errors.Wrap(err, "creating node lease table")
	}
	owner := uuid.NewString()
	for i := 0; i < nodeSlots; i++ {
		identity := nodeIdentityFromSlot(preferred.slot()+i, NodeIdentitySourceMySQL)
		record := newNodeLeaseRecord(identity, owner)
		meta, err := jsoniter.ConfigFastest.MarshalToString(record)
		if err != nil {
			return nil, err
		}
		claimed, err := mysqlClaimSlot(ctx, db, identity, owner, meta, p.ttl)
		if err != nil {
			return nil, err
		}
		if claimed {
			return &mysqlNodeLease{identity: identity, record: record, db: db, ttl: p.ttl, keeper: newLeaseKeeper()}, nil
		}
	}
	return nil, ErrNoFreeNodeSlot
}

func (p *mysqlNodeLeaseProvider) Leases(ctx Context) ([]NodeLeaseRecord, error) {
	db, err := p.db(ctx)
	if err != nil {
		return nil, err
	}
	query := "SELECT `meta` FROM `" + mysqlNodeLeaseTable + "` WHERE `expires_at` >= ? ORDER BY `datacenter_id`, `worker_id`"
	rows, closeRows, err := db.Query(ctx, query, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer closeRows()
	records := make([]NodeLeaseRecord, 0)
	for rows.Next() {
		meta := ""
		if err = rows.Scan(&meta); err != nil {
			return nil, err
		}
		var record NodeLeaseRecord
		if err = jsoniter.ConfigFastest.UnmarshalFromString(meta, &record); err != nil {
			return nil, errors.Wrap(err, "invalid node lease record")
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// mysqlClaimSlot inserts the slot row or takes it over when expired, then
// checks that owner holds it.
func mysqlClaimSlot(ctx Context, db DB, identity NodeIdentity, owner, meta string, ttl time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	_, err := db.Exec(ctx, mysqlNodeLeaseClaim, identity.DatacenterID(), identity.WorkerID(), owner, meta, now+ttl.Milliseconds(), now)
	if err != nil {
		return false, errors.Wrapf(err, "leasing node slot %s", identity)
	}
	holder := ""
	found, err := db.QueryRow(ctx, mysqlSlotWhere("SELECT `owner` FROM `"+mysqlNodeLeaseTable+"`", identity), &holder)
	if err != nil {
		return false, err
	}
	return found && holder == owner, nil
}

func mysqlSlotWhere(query string, identity NodeIdentity) Where {
	return NewWhere(query+" WHERE `datacenter_id` = ? AND `worker_id` = ?", identity.DatacenterID(), identity.WorkerID())
}

type mysqlNodeLease struct {
	identity NodeIdentity
	record   NodeLeaseRecord
	db       DB
	ttl      time.Duration
	keeper   *leaseKeeper
}

func (l *mysqlNodeLease) Identity() NodeIdentity {
	return l.identity
}

func (l *mysqlNodeLease) Record() NodeLeaseRecord {
	return l.record
}

func (l *mysqlNodeLease) Refresh(ctx Context) (bool, error) {
	query := "UPDATE `" + mysqlNodeLeaseTable + "` SET `expires_at` = ? WHERE `datacenter_id` = ? AND `worker_id` = ? AND `owner` = ?"
	res, err := l.db.Exec(ctx, query, time.Now().UnixMilli()+l.ttl.Milliseconds(), l.identity.DatacenterID(), l.identity.WorkerID(), l.record.Owner)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// unchanged expires_at reports zero affected rows
	holder := ""
	found, err := l.db.QueryRow(ctx, mysqlSlotWhere("SELECT `owner` FROM `"+mysqlNodeLeaseTable+"`", l.identity), &holder)
	if err != nil {
		return false, err
	}
	return found && holder == l.record.Owner, nil
}

func (l *mysqlNodeLease) Reclaim(ctx Context) (bool, error) {
	meta, err := jsoniter.ConfigFastest.MarshalToString(l.record)
	if err != nil {
		return false, err
	}
	return mysqlClaimSlot(ctx, l.db, l.identity, l.record.Owner, meta, l.ttl)
}

func (l *mysqlNodeLease) Release(ctx Context) error {
	l.keeper.close()
	query := "DELETE FROM `" + mysqlNodeLeaseTable + "` WHERE `datacenter_id` = ? AND `worker_id` = ? AND `owner` = ?"
	_, err := l.db.Exec(ctx, query, l.identity.DatacenterID(), l.identity.WorkerID(), l.record.Owner)
	return err
}

func (l *mysqlNodeLease) KeepAlive(ctx Context, interval time.Duration) {
	l.keeper.run(ctx, l, interval)
}

func (l *mysqlNodeLease) Notify(handler func(held bool)) {
	l.keeper.notify(handler)
}
