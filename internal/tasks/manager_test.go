package tasks

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	m := NewManager(0, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestLifecycle(t *testing.T) {
	m, now := newTestManager(t)

	task := m.Create("slow_tool", json.RawMessage(`{"q":"x"}`), "pg_01234567...", "sess-1", 5)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, int64(5), task.CreditsCharged)

	*now = now.Add(time.Second)
	started := m.Start(task.ID)
	require.NotNil(t, started)
	assert.Equal(t, StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	assert.Nil(t, m.Start(task.ID), "cannot start twice")

	progressed := m.UpdateProgress(task.ID, 150, "halfway")
	require.NotNil(t, progressed)
	assert.Equal(t, 100, progressed.Progress, "progress clamps to 100")
	assert.Equal(t, "halfway", progressed.Message)

	*now = now.Add(3 * time.Second)
	outcome := int64(12)
	done := m.Complete(task.ID, json.RawMessage(`{"ok":true}`), &outcome)
	require.NotNil(t, done)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(3000), done.DurationMs)
	require.NotNil(t, done.OutcomeCredits)
	assert.Equal(t, int64(12), *done.OutcomeCredits)

	assert.Nil(t, m.Fail(task.ID, "late"), "terminal tasks reject transitions")
	assert.Nil(t, m.Cancel(task.ID))
}

func TestCancelAndFail(t *testing.T) {
	m, _ := newTestManager(t)

	a := m.Create("t", nil, "pg_a", "", 0)
	cancelled := m.Cancel(a.ID)
	require.NotNil(t, cancelled)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	b := m.Create("t", nil, "pg_a", "", 0)
	failed := m.Fail(b.ID, "backend unreachable")
	require.NotNil(t, failed)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "backend unreachable", failed.Error)
}

func TestSweep_TimesOutStuckTasks(t *testing.T) {
	m := NewManager(0, time.Minute)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }

	stuck := m.Create("t", nil, "pg_a", "", 0)
	done := m.Create("t", nil, "pg_a", "", 0)
	m.Complete(done.ID, nil, nil)

	now = now.Add(2 * time.Minute)
	m.Sweep()

	got := m.Get(stuck.ID)
	require.NotNil(t, got)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "task timed out", got.Error)
	assert.Equal(t, StatusCompleted, m.Get(done.ID).Status, "terminal tasks untouched")
}

func TestEviction(t *testing.T) {
	m := NewManager(3, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return now }

	oldest := m.Create("t", nil, "pg_a", "", 0)
	m.Complete(oldest.ID, nil, nil)
	now = now.Add(time.Minute)
	newer := m.Create("t", nil, "pg_a", "", 0)
	m.Complete(newer.ID, nil, nil)
	now = now.Add(time.Minute)
	m.Create("t", nil, "pg_a", "", 0)

	// table is full: the next create evicts the oldest terminal task
	m.Create("t", nil, "pg_a", "", 0)
	assert.Nil(t, m.Get(oldest.ID))
	assert.NotNil(t, m.Get(newer.ID))
	assert.Equal(t, 3, m.Len())
}

func TestList_ScopedAndNewestFirst(t *testing.T) {
	m, now := newTestManager(t)

	m.Create("a", nil, "pg_a", "", 0)
	*now = now.Add(time.Minute)
	m.Create("b", nil, "pg_a", "", 0)
	m.Create("c", nil, "pg_b", "", 0)

	mine := m.List("pg_a")
	require.Len(t, mine, 2)
	assert.Equal(t, "b", mine[0].ToolName)
	assert.Len(t, m.List(""), 3)
}

func TestHandleTasksMethod_SendGetResult(t *testing.T) {
	m, _ := newTestManager(t)

	out, err := m.HandleTasksMethod("tasks/send", json.RawMessage(`{"toolName":"slow","arguments":{"q":1}}`), "pg_a", "sess")
	require.NoError(t, err)
	taskID := envelopeField(t, out, "taskId")

	// result before completion reports progress
	out, err = m.HandleTasksMethod("tasks/result", json.RawMessage(fmt.Sprintf(`{"taskId":%q}`, taskID)), "pg_a", "")
	require.NoError(t, err)
	assert.Equal(t, "pending", envelopeField(t, out, "status"))

	m.Complete(taskID, json.RawMessage(`{"answer":42}`), nil)
	out, err = m.HandleTasksMethod("tasks/result", json.RawMessage(fmt.Sprintf(`{"taskId":%q}`, taskID)), "pg_a", "")
	require.NoError(t, err)
	assert.Equal(t, "completed", envelopeField(t, out, "status"))

	// another key cannot see the task
	_, err = m.HandleTasksMethod("tasks/get", json.RawMessage(fmt.Sprintf(`{"taskId":%q}`, taskID)), "pg_b", "")
	assert.EqualError(t, err, "task not found")
}

func TestHandleTasksMethod_Validation(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.HandleTasksMethod("tasks/send", json.RawMessage(`{}`), "pg_a", "")
	assert.Error(t, err)
	_, err = m.HandleTasksMethod("tasks/get", json.RawMessage(`{}`), "pg_a", "")
	assert.Error(t, err)
	_, err = m.HandleTasksMethod("tasks/list", json.RawMessage(`{"cursor":"nope"}`), "pg_a", "")
	assert.Error(t, err)
	_, err = m.HandleTasksMethod("tasks/unknown", nil, "pg_a", "")
	assert.Error(t, err)
}

func TestHandleTasksMethod_ListPagination(t *testing.T) {
	m, now := newTestManager(t)
	for i := 0; i < 5; i++ {
		m.Create("t", nil, "pg_a", "", 0)
		*now = now.Add(time.Second)
	}

	out, err := m.HandleTasksMethod("tasks/list", json.RawMessage(`{"pageSize":2}`), "pg_a", "")
	require.NoError(t, err)
	body := envelopeBody(t, out)
	assert.Equal(t, float64(5), body["total"])
	assert.Equal(t, "2", body["nextCursor"])
	assert.Len(t, body["tasks"], 2)

	out, err = m.HandleTasksMethod("tasks/list", json.RawMessage(`{"pageSize":2,"cursor":"4"}`), "pg_a", "")
	require.NoError(t, err)
	body = envelopeBody(t, out)
	assert.Len(t, body["tasks"], 1)
	assert.Nil(t, body["nextCursor"])
}

func TestIsTasksMethod(t *testing.T) {
	assert.True(t, IsTasksMethod("tasks/send"))
	assert.True(t, IsTasksMethod("tasks/cancel"))
	assert.False(t, IsTasksMethod("tools/call"))
}

// envelopeBody unwraps the MCP tool-result envelope back into the inner JSON.
func envelopeBody(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var env struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	require.NotEmpty(t, env.Content)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(env.Content[0].Text), &body))
	return body
}

func envelopeField(t *testing.T, raw json.RawMessage, field string) string {
	t.Helper()
	v, ok := envelopeBody(t, raw)[field].(string)
	require.True(t, ok, "field %q missing or not a string", field)
	return v
}
