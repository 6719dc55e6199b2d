package strategies

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/clusterlens/decider/pkg/engine"
)

// ScriptStrategy runs a Starlark file as a strategy. The file declares
//
//	NAME = "my_strategy"
//	GOAL = "server_consolidation"
//
//	def execute(goal, scope, model):
//	    return [{"action_type": "nop", "input_parameters": {"message": "hi"}}]
//
// execute may also return struct values with the same fields.
type ScriptStrategy struct {
	name    string
	goal    string
	source  string
	execute starlark.Callable
	timeout time.Duration
}

// LoadScript compiles a strategy script. The module globals are frozen after
// loading, so one ScriptStrategy may serve concurrent runs.
func LoadScript(filename, source string, timeout time.Duration) (*ScriptStrategy, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	thread := newThread(filename)
	predeclared := starlark.StringDict{
		"struct":    starlarkstruct.Default,
		"cancelled": starlark.NewBuiltin("cancelled", builtinCancelled),
	}
	globals, err := starlark.ExecFile(thread, filename, source, predeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy script %s: %w", filename, err)
	}

	name, err := stringGlobal(globals, "NAME")
	if err != nil {
		name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	goal, err := stringGlobal(globals, "GOAL")
	if err != nil {
		return nil, fmt.Errorf("strategy script %s: %w", filename, err)
	}
	fn, ok := globals["execute"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("strategy script %s does not define execute(goal, scope, model)", filename)
	}

	return &ScriptStrategy{
		name:    name,
		goal:    goal,
		source:  filename,
		execute: fn,
		timeout: timeout,
	}, nil
}

// LoadScriptDir loads every *.star file in dir, sorted by file name.
func LoadScriptDir(dir string, timeout time.Duration) ([]*ScriptStrategy, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]*ScriptStrategy, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read strategy script: %w", err)
		}
		s, err := LoadScript(p, string(data), timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (s *ScriptStrategy) Name() string     { return s.name }
func (s *ScriptStrategy) GoalName() string { return s.goal }

// Execute implements engine.StrategyPlugin. The script thread is cancelled
// when ctx ends, the timeout elapses, or the cancel token is set.
func (s *ScriptStrategy) Execute(ctx context.Context, req engine.ExecuteRequest) ([]engine.ProposedAction, error) {
	evalCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args, err := scriptArgs(req)
	if err != nil {
		return nil, err
	}

	thread := newThread(s.name)
	thread.SetLocal("cancel", req.Cancel)

	type outcome struct {
		actions []engine.ProposedAction
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := starlark.Call(thread, s.execute, args, nil)
		if err != nil {
			done <- outcome{err: fmt.Errorf("strategy script %s failed: %w", s.source, err)}
			return
		}
		actions, err := toProposedActions(val)
		done <- outcome{actions: actions, err: err}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case out := <-done:
			return out.actions, out.err
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
			<-done
			if ctx.Err() == nil {
				return nil, fmt.Errorf("strategy script %s: execution timeout after %v", s.source, s.timeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
			if req.Cancel.Cancelled() {
				thread.Cancel("cancelled")
				<-done
				return nil, engine.ErrCancelled
			}
		}
	}
}

// builtinCancelled reports whether the run's cancel token is set, letting
// long scripts stop early.
func builtinCancelled(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	token, _ := thread.Local("cancel").(*engine.CancelToken)
	return starlark.Bool(token.Cancelled()), nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(_ *starlark.Thread, _ string) {},
	}
}

func stringGlobal(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name].(starlark.String)
	if !ok || string(v) == "" {
		return "", fmt.Errorf("%s must be a non-empty string", name)
	}
	return string(v), nil
}

// scriptArgs converts the request into (goal, scope, model) for the script.
func scriptArgs(req engine.ExecuteRequest) (starlark.Tuple, error) {
	var scope interface{} = []interface{}{}
	if len(req.Scope) > 0 {
		if err := json.Unmarshal(req.Scope, &scope); err != nil {
			return nil, fmt.Errorf("failed to decode scope: %w", err)
		}
	}

	nodes := []interface{}{}
	instances := []interface{}{}
	if req.Model != nil {
		hosts := make([]string, 0, len(req.Model.ComputeNodes))
		for h := range req.Model.ComputeNodes {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			n := req.Model.ComputeNodes[h]
			aggs := make([]interface{}, len(n.Aggregates))
			for i, a := range n.Aggregates {
				aggs[i] = a
			}
			nodes = append(nodes, map[string]interface{}{
				"uuid":              n.UUID,
				"hostname":          n.Hostname,
				"state":             n.State,
				"status":            n.Status,
				"vcpus":             n.VCPUs,
				"memory_mb":         n.MemoryMB,
				"disk_gb":           n.DiskGB,
				"availability_zone": n.AvailabilityZone,
				"aggregates":        aggs,
			})
		}
		ids := make([]string, 0, len(req.Model.Instances))
		for id := range req.Model.Instances {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			i := req.Model.Instances[id]
			instances = append(instances, map[string]interface{}{
				"uuid":       i.UUID,
				"name":       i.Name,
				"state":      i.State,
				"host":       req.Model.Placement[id],
				"vcpus":      i.VCPUs,
				"memory_mb":  i.MemoryMB,
				"disk_gb":    i.DiskGB,
				"project_id": i.ProjectID,
			})
		}
	}

	goal, err := toStarlarkValue(map[string]interface{}{
		"uuid": req.Goal.UUID,
		"name": req.Goal.Name,
	})
	if err != nil {
		return nil, err
	}
	sc, err := toStarlarkValue(scope)
	if err != nil {
		return nil, err
	}
	model, err := toStarlarkValue(map[string]interface{}{
		"compute_nodes": nodes,
		"instances":     instances,
	})
	if err != nil {
		return nil, err
	}
	return starlark.Tuple{goal, sc, model}, nil
}

func toProposedActions(v starlark.Value) ([]engine.ProposedAction, error) {
	raw, err := fromStarlarkValue(v)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("execute must return a list, got %s", v.Type())
	}

	out := make([]engine.ProposedAction, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("action %d is not a dict or struct", i)
		}
		actionType, _ := m["action_type"].(string)
		if actionType == "" {
			return nil, fmt.Errorf("action %d has no action_type", i)
		}
		params, _ := m["input_parameters"].(map[string]interface{})
		resource, _ := m["resource_id"].(string)
		out = append(out, engine.ProposedAction{
			ActionType:      actionType,
			InputParameters: params,
			ResourceID:      resource,
		})
	}
	return out, nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			gv, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = gv
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
