package durableobject

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/aristath/workerbench/internal/events"
	"github.com/aristath/workerbench/internal/rterr"
)

// Alarm backoff parameters (spec.md §4.5.4): delay = min(maxDelay, base
// * 2^retryCount), abandoning after maxRetries failed attempts.
const (
	AlarmBackoffBase  = time.Second
	AlarmBackoffMax   = time.Hour
	AlarmMaxRetries   = 6
)

func (ns *Namespace) setAlarm(ctx context.Context, id ID, epochMs int64) error {
	ns.mu.Lock()
	if _, err := ns.db.Conn().ExecContext(ctx, `
		INSERT INTO do_alarms (namespace, id, alarm_time) VALUES (?, ?, ?)
		ON CONFLICT (namespace, id) DO UPDATE SET alarm_time = excluded.alarm_time
	`, ns.className, id.String(), epochMs); err != nil {
		ns.mu.Unlock()
		return rterr.Wrap(rterr.Internal, err, "durableobject: persist alarm")
	}
	ns.mu.Unlock()

	ns.armTimer(id, epochMs, 0, false)
	return nil
}

func (ns *Namespace) deleteAlarm(ctx context.Context, id ID) error {
	ns.mu.Lock()
	if t, ok := ns.alarmTimers[id.String()]; ok {
		t.Stop()
		delete(ns.alarmTimers, id.String())
	}
	ns.mu.Unlock()

	if _, err := ns.db.Conn().ExecContext(ctx, `DELETE FROM do_alarms WHERE namespace = ? AND id = ?`, ns.className, id.String()); err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: delete alarm")
	}
	return nil
}

func (ns *Namespace) getAlarm(ctx context.Context, id ID) (int64, bool, error) {
	var epochMs int64
	err := ns.db.Conn().QueryRowContext(ctx, `
		SELECT alarm_time FROM do_alarms WHERE namespace = ? AND id = ?
	`, ns.className, id.String()).Scan(&epochMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, rterr.Wrap(rterr.Internal, err, "durableobject: read alarm")
	}
	return epochMs, true, nil
}

// rearmPersistedAlarms arms an in-process timer for every alarm row this
// namespace owns (spec.md §4.5.4: "On startup, re-arm every persisted
// alarm; past-due alarms fire immediately").
func (ns *Namespace) rearmPersistedAlarms(ctx context.Context) error {
	rows, err := ns.db.Conn().QueryContext(ctx, `SELECT id, alarm_time FROM do_alarms WHERE namespace = ?`, ns.className)
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: read persisted alarms")
	}
	defer rows.Close()

	type row struct {
		id        string
		alarmTime int64
	}
	var persisted []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.alarmTime); err != nil {
			return rterr.Wrap(rterr.Internal, err, "durableobject: scan persisted alarm")
		}
		persisted = append(persisted, r)
	}
	if err := rows.Err(); err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: iterate persisted alarms")
	}

	for _, r := range persisted {
		ns.armTimer(IDFromString(r.id), r.alarmTime, 0, false)
	}
	return nil
}

func (ns *Namespace) armTimer(id ID, epochMs int64, retryCount int, isRetry bool) {
	ns.mu.Lock()
	if t, ok := ns.alarmTimers[id.String()]; ok {
		t.Stop()
	}
	delay := time.Until(time.UnixMilli(epochMs))
	if delay < 0 {
		delay = 0
	}
	ns.alarmTimers[id.String()] = time.AfterFunc(delay, func() {
		ns.fireAlarm(id, retryCount, isRetry)
	})
	ns.mu.Unlock()
}

func (ns *Namespace) fireAlarm(id ID, retryCount int, isRetry bool) {
	ctx := context.Background()
	inst, err := ns.GetOrCreate(ctx, id)
	if err != nil {
		ns.log.Error().Err(err).Str("instance_id", id.String()).Msg("failed to re-instantiate instance for alarm")
		return
	}

	err = inst.ExecuteAlarm(ctx, retryCount, isRetry)
	if err == nil {
		if delErr := ns.deleteAlarm(ctx, id); delErr != nil {
			ns.log.Error().Err(delErr).Str("instance_id", id.String()).Msg("failed to delete fired alarm")
		}
		return
	}

	if retryCount >= AlarmMaxRetries {
		ns.log.Error().Err(err).Str("instance_id", id.String()).Int("retry_count", retryCount).Msg("alarm abandoned after max retries")
		_ = ns.deleteAlarm(ctx, id)
		if ns.bus != nil {
			ns.bus.Emit(events.AlarmAbandoned, "durableobject", map[string]any{"class": ns.className, "instance_id": id.String()})
		}
		return
	}

	backoff := AlarmBackoffBase * time.Duration(1<<uint(retryCount))
	if backoff > AlarmBackoffMax {
		backoff = AlarmBackoffMax
	}
	nextFire := time.Now().Add(backoff)
	ns.log.Warn().Err(err).Str("instance_id", id.String()).Dur("backoff", backoff).Msg("alarm failed, retrying")
	if persistErr := ns.persistAlarmTime(ctx, id, nextFire.UnixMilli()); persistErr != nil {
		ns.log.Error().Err(persistErr).Msg("failed to persist alarm retry time")
	}
	ns.armTimer(id, nextFire.UnixMilli(), retryCount+1, true)
}

func (ns *Namespace) persistAlarmTime(ctx context.Context, id ID, epochMs int64) error {
	_, err := ns.db.Conn().ExecContext(ctx, `
		UPDATE do_alarms SET alarm_time = ? WHERE namespace = ? AND id = ?
	`, epochMs, ns.className, id.String())
	if err != nil {
		return rterr.Wrap(rterr.Internal, err, "durableobject: persist alarm retry time")
	}
	return nil
}
