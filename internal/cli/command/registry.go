package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "auth",
			Action:       "register",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/register",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "username", Prompt: "username", Type: FieldString, Required: true},
				{Name: "password", Prompt: "password", Type: FieldString, Required: true},
				{Name: "email", Prompt: "email", Type: FieldString, Required: false},
				{Name: "invite_code", Aliases: []string{"invite"}, Prompt: "invite_code", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "auth",
			Action:       "login",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/login",
			RequiresAuth: false,
			Fields: []Field{
				{Name: "username", Prompt: "username", Type: FieldString, Required: true},
				{Name: "password", Prompt: "password", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "auth",
			Action:       "check",
			Method:       "GET",
			PathTemplate: "/api/v1/auth/check",
			RequiresAuth: true,
		},
		{
			Service:      "auth",
			Action:       "logout",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/logout",
			RequiresAuth: true,
		},
		{
			Service:      "invite",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/invites",
			RequiresAuth: true,
			AdminOnly:    true,
		},
		{
			Service:      "invite",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/invites",
			RequiresAuth: true,
			AdminOnly:    true,
		},
		{
			Service:      "invite",
			Action:       "delete",
			Method:       "DELETE",
			PathTemplate: "/api/v1/invites/:code",
			RequiresAuth: true,
			AdminOnly:    true,
			Fields: []Field{
				{Name: "code", Prompt: "invite_code", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "task",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "problems", Aliases: []string{"refs"}, Prompt: "problems (comma-separated refs or URLs)", Type: FieldStringList, Required: true},
				{Name: "target", Prompt: "target", Type: FieldString, Required: false},
				{Name: "stages", Prompt: "stages (letters, e.g. FGUS)", Type: FieldString, Required: false},
				{Name: "source_adapter", Aliases: []string{"source"}, Prompt: "source_adapter", Type: FieldString, Required: false},
				{Name: "case_count", Aliases: []string{"cases"}, Prompt: "case_count", Type: FieldInt, Required: false},
				{Name: "min_cases", Prompt: "min_cases", Type: FieldInt, Required: false},
				{Name: "temperature", Aliases: []string{"temp"}, Prompt: "temperature", Type: FieldFloat, Required: false},
				{Name: "provider", Prompt: "provider (pin LLM provider)", Type: FieldString, Required: false},
				{Name: "solve_language", Aliases: []string{"lang"}, Prompt: "solve_language", Type: FieldString, Required: false},
				{Name: "expand_training", Prompt: "expand_training", Type: FieldBool, Required: false},
			},
		},
		{
			Service:      "task",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/tasks",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "status", Prompt: "status", Type: FieldString, Required: false},
				{Name: "user_id", Prompt: "user_id", Type: FieldString, Required: false},
				{Name: "page", Prompt: "page", Type: FieldInt, Required: false},
				{Name: "page_size", Prompt: "page_size", Type: FieldInt, Required: false},
			},
			Query: []string{"status", "user_id", "page", "page_size"},
		},
		{
			Service:      "task",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/tasks/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "task",
			Action:       "retry",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks/:id/retry",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "task_id", Type: FieldString, Required: true},
				{Name: "stage", Prompt: "stage (fetch|generate|upload|solve|all)", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "task",
			Action:       "cancel",
			Method:       "POST",
			PathTemplate: "/api/v1/tasks/:id/cancel",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "task",
			Action:       "logs",
			Method:       "GET",
			PathTemplate: "/api/v1/tasks/:id/logs",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "task",
			Action:       "delete",
			Method:       "DELETE",
			PathTemplate: "/api/v1/tasks/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "task_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "adapter",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/adapters",
			RequiresAuth: true,
		},
		{
			Service:      "adapter",
			Action:       "config",
			Method:       "PUT",
			PathTemplate: "/api/v1/adapters/:name/config",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "name", Prompt: "adapter", Type: FieldString, Required: true},
				{Name: "config", Prompt: "config (JSON object of fields)", Type: FieldJSON, Required: true},
				{Name: "enabled", Prompt: "enabled", Type: FieldBool, Required: false},
			},
		},
		{
			Service:      "adapter",
			Action:       "training",
			Method:       "GET",
			PathTemplate: "/api/v1/adapters/:name/training/:ref",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "name", Prompt: "adapter", Type: FieldString, Required: true},
				{Name: "ref", Prompt: "training_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "provider",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/providers",
			RequiresAuth: true,
		},
		{
			Service:      "provider",
			Action:       "save",
			Method:       "PUT",
			PathTemplate: "/api/v1/providers/:id",
			RequiresAuth: true,
			AdminOnly:    true,
			Fields: []Field{
				{Name: "id", Prompt: "provider", Type: FieldString, Required: true},
				{Name: "api_key", Aliases: []string{"key"}, Prompt: "api_key", Type: FieldString, Required: false},
				{Name: "base_url", Prompt: "base_url", Type: FieldString, Required: false},
				{Name: "model", Prompt: "model", Type: FieldString, Required: false},
				{Name: "enabled", Prompt: "enabled", Type: FieldBool, Required: false},
			},
		},
		{
			Service:      "provider",
			Action:       "test",
			Method:       "POST",
			PathTemplate: "/api/v1/providers/:id/test",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "provider", Type: FieldString, Required: true},
				{Name: "full", Prompt: "full (live round-trip)", Type: FieldBool, Required: false},
			},
		},
		{
			Service:      "provider",
			Action:       "bind",
			Method:       "PUT",
			PathTemplate: "/api/v1/providers/modules/:module",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "module", Prompt: "module (generation|solve|ocr|summary)", Type: FieldString, Required: true},
				{Name: "provider", Prompt: "provider", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "concurrency",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/concurrency",
			RequiresAuth: true,
		},
		{
			Service:      "concurrency",
			Action:       "set",
			Method:       "PUT",
			PathTemplate: "/api/v1/concurrency",
			RequiresAuth: true,
			AdminOnly:    true,
			Fields: []Field{
				{Name: "global_tasks", Prompt: "global_tasks", Type: FieldInt, Required: false},
				{Name: "per_user", Prompt: "per_user", Type: FieldInt, Required: false},
				{Name: "stage_fetch", Prompt: "stage_fetch", Type: FieldInt, Required: false},
				{Name: "stage_upload", Prompt: "stage_upload", Type: FieldInt, Required: false},
				{Name: "stage_solve", Prompt: "stage_solve", Type: FieldInt, Required: false},
				{Name: "llm_total", Prompt: "llm_total", Type: FieldInt, Required: false},
				{Name: "llm_per_provider", Prompt: "llm_per_provider", Type: FieldInt, Required: false},
				{Name: "compile", Prompt: "compile", Type: FieldInt, Required: false},
				{Name: "queue_size", Prompt: "queue_size", Type: FieldInt, Required: false},
				{Name: "task_timeout_seconds", Prompt: "task_timeout_seconds", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "concurrency",
			Action:       "stats",
			Method:       "GET",
			PathTemplate: "/api/v1/concurrency/stats",
			RequiresAuth: true,
		},
		{
			Service:      "concurrency",
			Action:       "queue",
			Method:       "GET",
			PathTemplate: "/api/v1/concurrency/queue",
			RequiresAuth: true,
		},
		{
			Service:      "concurrency",
			Action:       "preset",
			Method:       "POST",
			PathTemplate: "/api/v1/concurrency/presets/:name",
			RequiresAuth: true,
			AdminOnly:    true,
			Fields: []Field{
				{Name: "name", Prompt: "preset (light|standard|high)", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "system",
			Action:       "stats",
			Method:       "GET",
			PathTemplate: "/api/v1/system/stats",
			RequiresAuth: true,
		},
		{
			Service:      "activity",
			Action:       "recent",
			Method:       "GET",
			PathTemplate: "/api/v1/activity",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "user_id", Prompt: "user_id", Type: FieldString, Required: false},
				{Name: "limit", Prompt: "limit", Type: FieldInt, Required: false},
			},
			Query: []string{"user_id", "limit"},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates an HTTP request spec based on the command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}
	path = appendQuery(path, cmd, params)

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	for _, key := range []string{"id", "name", "code", "module", "ref"} {
		placeholder := ":" + key
		if strings.Contains(path, placeholder) {
			value := params.Get(key)
			if value == "" {
				return "", fmt.Errorf("missing path parameter: %s", key)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
		}
	}
	return path, nil
}

func appendQuery(path string, cmd Command, params Params) string {
	if len(cmd.Query) == 0 {
		return path
	}
	values := url.Values{}
	for _, key := range cmd.Query {
		if v := params.Get(key); v != "" {
			values.Set(key, v)
		}
	}
	if len(values) == 0 {
		return path
	}
	return path + "?" + values.Encode()
}

// buildPayload renders the JSON body for one command. Optional fields are
// included only when the user supplied them, so the server's own defaults
// apply to everything left out.
func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Service {
	case "auth":
		switch cmd.Action {
		case "register":
			payload := map[string]string{
				"username": params.Get("username"),
				"password": params.Get("password"),
			}
			if params.Get("email") != "" {
				payload["email"] = params.Get("email")
			}
			if params.Get("invite_code") != "" {
				payload["invite_code"] = params.Get("invite_code")
			}
			return payload, nil
		case "login":
			return map[string]string{
				"username": params.Get("username"),
				"password": params.Get("password"),
			}, nil
		}
	case "task":
		switch cmd.Action {
		case "submit":
			return buildTaskSubmitPayload(params)
		case "retry":
			if params.Get("stage") == "" {
				return nil, nil
			}
			return map[string]string{"stage": params.Get("stage")}, nil
		}
	case "adapter":
		if cmd.Action == "config" {
			return buildAdapterConfigPayload(params)
		}
	case "provider":
		switch cmd.Action {
		case "save":
			return buildProviderSavePayload(params)
		case "test":
			if params.Get("full") == "" {
				return nil, nil
			}
			full, err := ParseBool(params.Get("full"))
			if err != nil {
				return nil, fmt.Errorf("invalid full: %w", err)
			}
			return map[string]bool{"full": full}, nil
		case "bind":
			return map[string]string{"provider": params.Get("provider")}, nil
		}
	case "concurrency":
		if cmd.Action == "set" {
			return buildConcurrencyPayload(cmd, params)
		}
	}
	return nil, nil
}

func buildTaskSubmitPayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{
		"problems": ParseStringList(params.Get("problems")),
	}
	for _, key := range []string{"target", "stages", "source_adapter", "provider", "solve_language"} {
		if v := params.Get(key); v != "" {
			payload[key] = v
		}
	}
	for _, key := range []string{"case_count", "min_cases"} {
		if v := params.Get(key); v != "" {
			n, err := ParseInt(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", key, err)
			}
			payload[key] = n
		}
	}
	if v := params.Get("temperature"); v != "" {
		t, err := ParseFloat(v)
		if err != nil {
			return nil, fmt.Errorf("invalid temperature: %w", err)
		}
		payload["temperature"] = t
	}
	if v := params.Get("expand_training"); v != "" {
		expand, err := ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid expand_training: %w", err)
		}
		payload["expand_training"] = expand
	}
	return payload, nil
}

func buildAdapterConfigPayload(params Params) (interface{}, error) {
	raw, err := ParseJSON(params.Get("config"))
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("config must be a JSON object of string values: %w", err)
	}
	payload := map[string]interface{}{"config": fields}
	if v := params.Get("enabled"); v != "" {
		enabled, err := ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid enabled: %w", err)
		}
		payload["enabled"] = enabled
	}
	return payload, nil
}

func buildProviderSavePayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{}
	for _, key := range []string{"api_key", "base_url", "model"} {
		if v := params.Get(key); v != "" {
			payload[key] = v
		}
	}
	if v := params.Get("enabled"); v != "" {
		enabled, err := ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid enabled: %w", err)
		}
		payload["enabled"] = enabled
	}
	return payload, nil
}

func buildConcurrencyPayload(cmd Command, params Params) (interface{}, error) {
	payload := map[string]interface{}{}
	for _, field := range cmd.Fields {
		v := params.Get(field.Name)
		if v == "" {
			continue
		}
		n, err := ParseInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", field.Name, err)
		}
		payload[field.Name] = n
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("at least one limit is required")
	}
	return payload, nil
}
