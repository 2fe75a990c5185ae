package tasks

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// The tasks/* JSON-RPC methods respond with the MCP tool-result envelope:
// {"content":[{"type":"text","text":"<json>"}]}.

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type envelope struct {
	Content []contentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func wrap(v interface{}) (json.RawMessage, error) {
	text, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Content: []contentItem{{Type: "text", Text: string(text)}}})
}

type sendParams struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type idParams struct {
	TaskID string `json:"taskId"`
}

type listParams struct {
	Cursor   string `json:"cursor,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// HandleTasksMethod dispatches the five tasks/* methods. The caller has
// already admitted the request; apiKeyPrefix scopes visibility.
func (m *Manager) HandleTasksMethod(method string, params json.RawMessage, apiKeyPrefix, sessionID string) (json.RawMessage, error) {
	switch method {
	case "tasks/send":
		var p sendParams
		if err := json.Unmarshal(params, &p); err != nil || p.ToolName == "" {
			return nil, fmt.Errorf("tasks/send requires toolName")
		}
		task := m.Create(p.ToolName, p.Arguments, apiKeyPrefix, sessionID, 0)
		return wrap(map[string]interface{}{"taskId": task.ID, "status": task.Status})

	case "tasks/get":
		task, err := m.ownedTask(params, apiKeyPrefix)
		if err != nil {
			return nil, err
		}
		return wrap(task)

	case "tasks/result":
		task, err := m.ownedTask(params, apiKeyPrefix)
		if err != nil {
			return nil, err
		}
		if !task.Status.Terminal() {
			return wrap(map[string]interface{}{"taskId": task.ID, "status": task.Status, "progress": task.Progress})
		}
		return wrap(map[string]interface{}{
			"taskId":     task.ID,
			"status":     task.Status,
			"result":     task.Result,
			"error":      task.Error,
			"durationMs": task.DurationMs,
		})

	case "tasks/list":
		var p listParams
		if len(params) > 0 {
			_ = json.Unmarshal(params, &p)
		}
		offset := 0
		if p.Cursor != "" {
			n, err := strconv.Atoi(p.Cursor)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid cursor")
			}
			offset = n
		}
		size := p.PageSize
		if size < 1 {
			size = defaultPageSize
		}
		if size > maxPageSize {
			size = maxPageSize
		}
		all := m.List(apiKeyPrefix)
		if offset > len(all) {
			offset = len(all)
		}
		end := offset + size
		if end > len(all) {
			end = len(all)
		}
		page := all[offset:end]
		resp := map[string]interface{}{"tasks": page, "total": len(all)}
		if end < len(all) {
			resp["nextCursor"] = strconv.Itoa(end)
		}
		return wrap(resp)

	case "tasks/cancel":
		task, err := m.ownedTask(params, apiKeyPrefix)
		if err != nil {
			return nil, err
		}
		cancelled := m.Cancel(task.ID)
		if cancelled == nil {
			return nil, fmt.Errorf("task %s is already terminal", task.ID)
		}
		return wrap(map[string]interface{}{"taskId": cancelled.ID, "status": cancelled.Status})

	default:
		return nil, fmt.Errorf("unknown tasks method: %s", method)
	}
}

// ownedTask resolves the taskId param and enforces per-key visibility.
func (m *Manager) ownedTask(params json.RawMessage, apiKeyPrefix string) (*Task, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil || p.TaskID == "" {
		return nil, fmt.Errorf("taskId is required")
	}
	task := m.Get(p.TaskID)
	if task == nil || (apiKeyPrefix != "" && task.ApiKeyPrefix != apiKeyPrefix) {
		return nil, fmt.Errorf("task not found")
	}
	return task, nil
}

// IsTasksMethod reports whether the JSON-RPC method belongs to this manager.
func IsTasksMethod(method string) bool {
	switch method {
	case "tasks/send", "tasks/get", "tasks/result", "tasks/list", "tasks/cancel":
		return true
	}
	return false
}
