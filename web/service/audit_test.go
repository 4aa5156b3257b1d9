package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xshayank/VpnMarket-sub001/database"
	"github.com/xshayank/VpnMarket-sub001/database/model"
)

func TestAuditRecordAndQuery(t *testing.T) {
	setup(t)
	defer teardown()

	s := AuditLogService{}
	require.NoError(t, s.Record(AuditEntry{Action: ActionResellerSuspended, TargetType: TargetReseller, TargetId: 1, Reason: SuspendQuotaExhausted}))
	require.NoError(t, s.Record(AuditEntry{Action: ActionConfigDisabled, TargetType: TargetConfig, TargetId: 7, Meta: map[string]any{"attempts": 3}}))
	require.NoError(t, s.Record(AuditEntry{Action: ActionWalletTopUp, TargetType: TargetReseller, TargetId: 1, Actor: "admin"}))

	logs, total, err := s.GetAuditLogs(AuditQuery{TargetType: TargetReseller, TargetId: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, logs, 2)
	assert.Equal(t, ActionWalletTopUp, logs[0].Action)
	assert.Equal(t, "admin", logs[0].Actor)
	assert.Equal(t, ActorSystem, logs[1].Actor)

	logs, _, err = s.GetAuditLogs(AuditQuery{Action: ActionConfigDisabled})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.JSONEq(t, `{"attempts":3}`, logs[0].Meta)
}

func TestCleanOldLogs(t *testing.T) {
	setup(t)
	defer teardown()

	db := database.GetDB()
	old := time.Now().AddDate(0, 0, -100)
	require.NoError(t, db.Create(&model.AuditLog{Action: "old", CreatedAt: old}).Error)
	require.NoError(t, db.Create(&model.AuditLog{Action: "new", CreatedAt: time.Now()}).Error)
	require.NoError(t, db.Create(&model.ConfigEvent{ConfigId: 1, Event: model.EventAutoDisabled, CreatedAt: old}).Error)

	s := AuditLogService{}
	assert.Error(t, s.CleanOldLogs(0))
	require.NoError(t, s.CleanOldLogs(90))

	assert.EqualValues(t, 1, countRows(t, &model.AuditLog{}, "1 = 1"))
	assert.Zero(t, countRows(t, &model.ConfigEvent{}, "1 = 1"))
}
