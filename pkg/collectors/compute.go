package collectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/clusterlens/decider/pkg/engine"
)

// ComputeName is the scope key of the compute collector.
const ComputeName = "compute"

// ComputeSchema is the CUE fragment accepted under the "compute" scope key.
const ComputeSchema = `[...close({
	host_aggregates?: [...(string | number | close({id?: number | "*", name?: string}))]
	availability_zones?: [...(string | close({name: string}))]
	exclude?: [...close({
		instances?: [...(string | close({uuid: string}))]
		compute_nodes?: [...(string | close({name: string}))]
		host_aggregates?: [...(string | number | close({id?: number | "*", name?: string}))]
		projects?: [...(string | close({uuid: string}))]
	})]
})]`

// Compute builds a model of hypervisors and the instances placed on them.
type Compute struct {
	source InventorySource

	mu         sync.RWMutex
	aggregates map[int]string
}

// NewCompute creates a compute collector reading from source.
func NewCompute(source InventorySource) *Compute {
	return &Compute{source: source, aggregates: make(map[int]string)}
}

// Name implements engine.Collector.
func (c *Compute) Name() string { return ComputeName }

// Schema implements engine.Collector.
func (c *Compute) Schema() string { return ComputeSchema }

// Collect implements engine.Collector.
func (c *Compute) Collect(ctx context.Context) (*engine.ClusterDataModel, error) {
	inv, err := c.source.Inventory(ctx)
	if err != nil {
		return nil, err
	}

	membership := make(map[string][]string)
	ids := make(map[int]string, len(inv.Aggregates))
	for _, agg := range inv.Aggregates {
		ids[agg.ID] = agg.Name
		for _, host := range agg.Hosts {
			membership[host] = append(membership[host], agg.Name)
		}
	}

	model := engine.NewClusterDataModel()
	for _, n := range inv.Nodes {
		if n.Hostname == "" {
			return nil, fmt.Errorf("compute node %q has no hostname", n.UUID)
		}
		model.AddNode(&engine.ComputeNode{
			UUID:             n.UUID,
			Hostname:         n.Hostname,
			State:            defaultString(n.State, "up"),
			Status:           defaultString(n.Status, "enabled"),
			VCPUs:            n.VCPUs,
			MemoryMB:         n.MemoryMB,
			DiskGB:           n.DiskGB,
			AvailabilityZone: n.AvailabilityZone,
			Aggregates:       membership[n.Hostname],
		})
	}
	for _, i := range inv.Instances {
		if _, ok := model.ComputeNodes[i.Host]; !ok {
			return nil, fmt.Errorf("instance %s is placed on unknown host %q", i.UUID, i.Host)
		}
		model.Place(&engine.Instance{
			UUID:      i.UUID,
			Name:      i.Name,
			State:     defaultString(i.State, "active"),
			VCPUs:     i.VCPUs,
			MemoryMB:  i.MemoryMB,
			DiskGB:    i.DiskGB,
			ProjectID: i.ProjectID,
		}, i.Host)
	}

	c.mu.Lock()
	c.aggregates = ids
	c.mu.Unlock()
	return model, nil
}

type computeRule struct {
	HostAggregates    []json.RawMessage `json:"host_aggregates"`
	AvailabilityZones []json.RawMessage `json:"availability_zones"`
	Exclude           []struct {
		Instances      []json.RawMessage `json:"instances"`
		ComputeNodes   []json.RawMessage `json:"compute_nodes"`
		HostAggregates []json.RawMessage `json:"host_aggregates"`
		Projects       []json.RawMessage `json:"projects"`
	} `json:"exclude"`
}

// ApplyScope implements engine.ScopeApplier. Included aggregates and zones
// restrict the node set; excludes are removed afterwards.
func (c *Compute) ApplyScope(model *engine.ClusterDataModel, rules json.RawMessage) error {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(rules, &items); err != nil {
		return fmt.Errorf("failed to decode scope: %w", err)
	}

	var (
		included  bool
		allowed   = make(map[string]bool)
		nodes     = make(map[string]bool)
		instances = make(map[string]bool)
		projects  = make(map[string]bool)
	)
	for _, item := range items {
		raw, ok := item[ComputeName]
		if !ok {
			continue
		}
		var crs []computeRule
		if err := json.Unmarshal(raw, &crs); err != nil {
			return fmt.Errorf("failed to decode compute scope: %w", err)
		}
		for _, r := range crs {
			for _, ref := range r.HostAggregates {
				included = true
				for _, host := range c.hostsInAggregate(model, ref) {
					allowed[host] = true
				}
			}
			for _, ref := range r.AvailabilityZones {
				included = true
				zone := refString(ref, "name")
				for host, node := range model.ComputeNodes {
					if zone == "*" || node.AvailabilityZone == zone {
						allowed[host] = true
					}
				}
			}
			for _, ex := range r.Exclude {
				for _, ref := range ex.Instances {
					instances[refString(ref, "uuid")] = true
				}
				for _, ref := range ex.ComputeNodes {
					nodes[refString(ref, "name")] = true
				}
				for _, ref := range ex.HostAggregates {
					for _, host := range c.hostsInAggregate(model, ref) {
						nodes[host] = true
					}
				}
				for _, ref := range ex.Projects {
					projects[refString(ref, "uuid")] = true
				}
			}
		}
	}

	for host := range model.ComputeNodes {
		if (included && !allowed[host]) || nodes[host] {
			model.RemoveNode(host)
		}
	}
	for id, inst := range model.Instances {
		if instances[id] || projects[inst.ProjectID] {
			model.RemoveInstance(id)
		}
	}
	return nil
}

// hostsInAggregate resolves an aggregate reference given as a name, an id, or
// an object with either. An id of "*" matches every aggregated host.
func (c *Compute) hostsInAggregate(model *engine.ClusterDataModel, ref json.RawMessage) []string {
	name, wildcard := "", false
	var v interface{}
	if err := json.Unmarshal(ref, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		name = t
	case float64:
		name = c.aggregateName(int(t))
	case map[string]interface{}:
		if n, ok := t["name"].(string); ok {
			name = n
		}
		switch id := t["id"].(type) {
		case string:
			wildcard = id == "*"
		case float64:
			name = c.aggregateName(int(id))
		}
	}

	var hosts []string
	for host, node := range model.ComputeNodes {
		for _, agg := range node.Aggregates {
			if wildcard || (name != "" && agg == name) {
				hosts = append(hosts, host)
				break
			}
		}
	}
	return hosts
}

func (c *Compute) aggregateName(id int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.aggregates[id]; ok {
		return name
	}
	return strconv.Itoa(id)
}

// refString reads a reference given either as a bare string or as an object
// carrying the value under key.
func refString(ref json.RawMessage, key string) string {
	var s string
	if err := json.Unmarshal(ref, &s); err == nil {
		return s
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(ref, &obj); err == nil {
		if v, ok := obj[key].(string); ok {
			return v
		}
	}
	return ""
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
