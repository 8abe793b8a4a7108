package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Registry returns all workload commands keyed by verb.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:         "create",
			Summary:      "admit a new workload",
			Method:       "POST",
			PathTemplate: "/api/v1/workloads",
			Fields: []Field{
				{Name: "owner_id", Aliases: []string{"owner"}, Prompt: "owner_id", Type: FieldInt64, Required: true},
				{Name: "code_ref", Aliases: []string{"code"}, Prompt: "code_ref", Type: FieldString, Required: true},
				{Name: "entrypoint", Prompt: "entrypoint (comma-separated argv)", Type: FieldStringList, Required: true},
				{Name: "secret_ref", Aliases: []string{"secret"}, Prompt: "secret_ref", Type: FieldString, Required: false},
				{Name: "plan", Prompt: "plan", Type: FieldString, Required: false},
			},
		},
		{
			Name:         "list",
			Summary:      "list workloads",
			Method:       "GET",
			PathTemplate: "/api/v1/workloads",
			Fields: []Field{
				{Name: "owner_id", Aliases: []string{"owner"}, Prompt: "owner_id", Type: FieldInt64, Required: false},
			},
		},
		{
			Name:         "get",
			Summary:      "show one workload's ledger record",
			Method:       "GET",
			PathTemplate: "/api/v1/workloads/:id",
			Fields:       []Field{idField()},
		},
		{
			Name:         "status",
			Summary:      "show live telemetry for a workload",
			Method:       "GET",
			PathTemplate: "/api/v1/workloads/:id/status",
			Fields:       []Field{idField()},
		},
		{
			Name:         "start",
			Summary:      "launch a workload",
			Method:       "POST",
			PathTemplate: "/api/v1/workloads/:id/start",
			Fields:       []Field{idField()},
		},
		{
			Name:         "stop",
			Summary:      "stop a workload",
			Method:       "POST",
			PathTemplate: "/api/v1/workloads/:id/stop",
			Fields: []Field{
				idField(),
				{Name: "graceful", Prompt: "graceful (true/false)", Type: FieldBool, Required: false},
			},
		},
		{
			Name:         "delete",
			Summary:      "delete a workload permanently",
			Method:       "DELETE",
			PathTemplate: "/api/v1/workloads/:id",
			Fields:       []Field{idField()},
		},
		{
			Name:         "grant",
			Summary:      "adjust a workload's time/power budgets",
			Method:       "POST",
			PathTemplate: "/api/v1/workloads/:id/ledger",
			AdminOnly:    true,
			Fields: []Field{
				idField(),
				{Name: "seconds", Aliases: []string{"delta_seconds"}, Prompt: "seconds delta", Type: FieldInt64, Required: false},
				{Name: "power", Aliases: []string{"delta_power"}, Prompt: "power delta", Type: FieldFloat64, Required: false},
				{Name: "reason", Prompt: "reason", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Name] = cmd
	}
	return result
}

func idField() Field {
	return Field{Name: "id", Aliases: []string{"workload_id"}, Prompt: "workload_id", Type: FieldString, Required: true}
}

// BuildRequest creates the HTTP request spec for a command invocation.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	if cmd.Name == "list" && params.Get("owner_id") != "" {
		ownerID, err := ParseInt64(params.Get("owner_id"))
		if err != nil {
			return RequestSpec{}, fmt.Errorf("invalid owner_id: %w", err)
		}
		path = fmt.Sprintf("%s?owner_id=%d", path, ownerID)
	}

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
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Name {
	case "create":
		return buildCreatePayload(params)
	case "stop":
		return buildStopPayload(params)
	case "grant":
		return buildGrantPayload(params)
	}
	return nil, nil
}

func buildCreatePayload(params Params) (interface{}, error) {
	ownerID, err := ParseInt64(params.Get("owner_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid owner_id: %w", err)
	}
	entrypoint := ParseStringList(params.Get("entrypoint"))
	if len(entrypoint) == 0 {
		return nil, fmt.Errorf("entrypoint is required")
	}
	payload := map[string]interface{}{
		"owner_id":   ownerID,
		"code_ref":   params.Get("code_ref"),
		"entrypoint": entrypoint,
	}
	if params.Get("secret_ref") != "" {
		payload["secret_ref"] = params.Get("secret_ref")
	}
	if params.Get("plan") != "" {
		payload["plan"] = params.Get("plan")
	}
	return payload, nil
}

// buildStopPayload returns nil when no flag is given so the server applies
// its graceful default.
func buildStopPayload(params Params) (interface{}, error) {
	if params.Get("graceful") == "" {
		return nil, nil
	}
	graceful, err := ParseBool(params.Get("graceful"))
	if err != nil {
		return nil, fmt.Errorf("invalid graceful: %w", err)
	}
	return map[string]interface{}{"graceful": graceful}, nil
}

func buildGrantPayload(params Params) (interface{}, error) {
	payload := map[string]interface{}{
		"reason": params.Get("reason"),
	}
	if params.Get("seconds") != "" {
		seconds, err := ParseInt64(params.Get("seconds"))
		if err != nil {
			return nil, fmt.Errorf("invalid seconds: %w", err)
		}
		payload["delta_seconds"] = seconds
	}
	if params.Get("power") != "" {
		power, err := ParseFloat64(params.Get("power"))
		if err != nil {
			return nil, fmt.Errorf("invalid power: %w", err)
		}
		payload["delta_power"] = power
	}
	if len(payload) == 1 {
		return nil, fmt.Errorf("at least one of seconds or power is required")
	}
	return payload, nil
}
